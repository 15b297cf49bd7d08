package worker

import (
	"net/http"
	"net/url"
	"strings"

	"github.com/any-hub/shellcache/internal/cache"
)

// Mode 对应浏览器 fetch 的 request mode。
type Mode string

const (
	ModeNavigate   Mode = "navigate"
	ModeSameOrigin Mode = "same-origin"
	ModeNoCORS     Mode = "no-cors"
	ModeCORS       Mode = "cors"
)

// Request 是被拦截的请求。URL 必须是绝对地址。
type Request struct {
	Method string
	URL    *url.URL
	Mode   Mode
	Header http.Header
	Body   []byte
	// FollowRedirects 让网络层跟随重定向，预缓存 manifest 时使用。
	FollowRedirects bool
}

// Key 返回缓存 key。
func (r *Request) Key() string {
	return cache.KeyFor(r.URL)
}

// IsNavigation 表示顶层文档导航请求。
func (r *Request) IsNavigation() bool {
	return r.Mode == ModeNavigate
}

// ParseMode 解析 Sec-Fetch-Mode 的取值，未知值返回空串。
func ParseMode(value string) Mode {
	switch Mode(strings.ToLower(strings.TrimSpace(value))) {
	case ModeNavigate:
		return ModeNavigate
	case ModeSameOrigin:
		return ModeSameOrigin
	case ModeNoCORS:
		return ModeNoCORS
	case ModeCORS:
		return ModeCORS
	default:
		return ""
	}
}

// DetectMode 优先使用 Sec-Fetch-Mode；缺失时把接受 text/html 的 GET 视为导航，
// 其余按 no-cors 处理。
func DetectMode(method string, header http.Header) Mode {
	if mode := ParseMode(header.Get("Sec-Fetch-Mode")); mode != "" {
		return mode
	}
	if strings.EqualFold(method, http.MethodGet) && strings.Contains(strings.ToLower(header.Get("Accept")), "text/html") {
		return ModeNavigate
	}
	return ModeNoCORS
}
