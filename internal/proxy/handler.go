package proxy

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/gofiber/fiber/v3"
	"github.com/sirupsen/logrus"

	"github.com/any-hub/shellcache/internal/cache"
	"github.com/any-hub/shellcache/internal/logging"
	"github.com/any-hub/shellcache/internal/server"
	"github.com/any-hub/shellcache/internal/worker"
)

// sourceBypass 标记未经控制器、直接转发到网络的请求。
const sourceBypass = "bypass"

// SourceHeader 响应头，标明响应来自缓存、网络、兜底文档还是直接转发。
const SourceHeader = "X-Shellcache-Source"

// ControllerSource 返回当前接管请求的控制器，可能为 nil。
type ControllerSource interface {
	Controller() *worker.Controller
}

// Handler 把拦截到的请求交给当前控制器；控制器不处理或尚无控制器时直接转发。
type Handler struct {
	source     ControllerSource
	network    *Network
	origin     *url.URL
	logger     *logrus.Logger
	listenPort int
}

// NewHandler constructs a proxy handler around the lifecycle and shared network.
func NewHandler(source ControllerSource, network *Network, origin *url.URL, logger *logrus.Logger, listenPort int) *Handler {
	if logger == nil {
		logger = logging.Discard()
	}
	return &Handler{
		source:     source,
		network:    network,
		origin:     origin,
		logger:     logger,
		listenPort: listenPort,
	}
}

// Handle 实现 server.ProxyHandler，每个请求输出一条结构化日志。
func (h *Handler) Handle(c fiber.Ctx) error {
	started := time.Now()
	requestID := server.RequestID(c)

	req, err := h.buildRequest(c)
	if err != nil {
		h.logResult(nil, "", c.Method(), string(c.Request().Header.RequestURI()), requestID, 0, started, err)
		return h.writeError(c, fiber.StatusBadRequest, "invalid_request_url")
	}

	ctx := c.Context()
	if ctx == nil {
		ctx = context.Background()
	}

	var ctrl *worker.Controller
	if h.source != nil {
		ctrl = h.source.Controller()
	}

	var result *worker.Result
	if ctrl != nil {
		result, err = h.invokeController(ctx, ctrl, req)
	}
	if ctrl == nil || errors.Is(err, worker.ErrNotHandled) {
		result, err = h.passthrough(ctx, req)
	}

	if err != nil {
		var panicErr *controllerPanic
		if errors.As(err, &panicErr) {
			h.logResult(ctrl, "", req.Method, req.Key(), requestID, 0, started, err)
			return h.writeError(c, fiber.StatusInternalServerError, "controller_panic")
		}
		h.logResult(ctrl, "", req.Method, req.Key(), requestID, fiber.StatusBadGateway, started, err)
		return h.writeError(c, fiber.StatusBadGateway, "network_failed")
	}

	h.logResultWithMode(ctrl, req, string(result.Source), requestID, result.Response.StatusCode, started)
	return h.writeResponse(c, result.Response, string(result.Source), requestID)
}

type controllerPanic struct {
	value any
}

func (p *controllerPanic) Error() string {
	return fmt.Sprintf("controller panic: %v", p.value)
}

func (h *Handler) invokeController(ctx context.Context, ctrl *worker.Controller, req *worker.Request) (result *worker.Result, err error) {
	defer func() {
		if r := recover(); r != nil {
			result = nil
			err = &controllerPanic{value: r}
		}
	}()
	return ctrl.Fetch(ctx, req)
}

// passthrough 对应浏览器的默认处理：不查缓存、不写缓存。
func (h *Handler) passthrough(ctx context.Context, req *worker.Request) (*worker.Result, error) {
	if h.network == nil {
		return nil, errors.New("network unavailable")
	}
	resp, err := h.network.Fetch(ctx, req)
	if err != nil {
		return nil, &worker.NetworkError{URL: req.Key(), Err: err}
	}
	if resp == nil {
		return nil, worker.ErrNoResponse
	}
	return &worker.Result{Response: resp, Source: worker.Source(sourceBypass)}, nil
}

func (h *Handler) buildRequest(c fiber.Ctx) (*worker.Request, error) {
	target, err := h.requestURL(c)
	if err != nil {
		return nil, err
	}

	method := c.Method()
	header := fiberHeadersAsHTTP(c)
	header.Set("X-Forwarded-Host", c.Hostname())
	if ip := c.IP(); ip != "" {
		if prior := header.Get("X-Forwarded-For"); prior != "" {
			header.Set("X-Forwarded-For", prior+", "+ip)
		} else {
			header.Set("X-Forwarded-For", ip)
		}
	}
	header.Set("X-Forwarded-Proto", c.Scheme())
	header.Set("X-Forwarded-Port", strconv.Itoa(h.listenPort))

	var body []byte
	if raw := c.Body(); len(raw) > 0 {
		body = append([]byte(nil), raw...)
	}

	return &worker.Request{
		Method: method,
		URL:    target,
		Mode:   worker.DetectMode(method, header),
		Header: header,
		Body:   body,
	}, nil
}

// requestURL 保留 absolute-form 请求行中的完整地址，origin-form 按源站地址解析。
func (h *Handler) requestURL(c fiber.Ctx) (*url.URL, error) {
	raw := string(c.Request().Header.RequestURI())
	if raw == "" {
		raw = "/"
	}
	parsed, err := url.Parse(raw)
	if err != nil {
		return nil, err
	}
	if parsed.IsAbs() {
		return parsed, nil
	}
	if h.origin == nil {
		return nil, errors.New("origin not configured")
	}
	return h.origin.ResolveReference(parsed), nil
}

func (h *Handler) writeResponse(c fiber.Ctx, resp *cache.Response, source, requestID string) error {
	for key, values := range resp.Header {
		if server.IsHopByHopHeader(key) || strings.EqualFold(key, fiber.HeaderContentLength) {
			continue
		}
		for _, value := range values {
			c.Response().Header.Add(key, value)
		}
	}
	c.Set(SourceHeader, source)
	if requestID != "" {
		c.Set("X-Request-ID", requestID)
	}
	c.Status(resp.StatusCode)
	if c.Method() == http.MethodHead {
		return nil
	}
	return c.Send(resp.Body)
}

func (h *Handler) writeError(c fiber.Ctx, status int, code string) error {
	return c.Status(status).JSON(fiber.Map{"error": code})
}

func (h *Handler) logResultWithMode(ctrl *worker.Controller, req *worker.Request, source, requestID string, status int, started time.Time) {
	fields := logging.RequestFields(cacheNameOf(ctrl), req.Method, req.Key(), string(req.Mode), source)
	h.emit(fields, requestID, status, started, nil)
}

func (h *Handler) logResult(ctrl *worker.Controller, source, method, target, requestID string, status int, started time.Time, err error) {
	fields := logging.RequestFields(cacheNameOf(ctrl), method, target, "", source)
	h.emit(fields, requestID, status, started, err)
}

func (h *Handler) emit(fields logrus.Fields, requestID string, status int, started time.Time, err error) {
	fields["action"] = "proxy"
	fields["status"] = status
	fields["elapsed_ms"] = time.Since(started).Milliseconds()
	if requestID != "" {
		fields["request_id"] = requestID
	}
	if err != nil {
		fields["error"] = err.Error()
		h.logger.WithFields(fields).Error("proxy_failed")
		return
	}
	h.logger.WithFields(fields).Info("proxy_complete")
}

func cacheNameOf(ctrl *worker.Controller) string {
	if ctrl == nil {
		return ""
	}
	return ctrl.CacheName()
}

func fiberHeadersAsHTTP(c fiber.Ctx) http.Header {
	header := http.Header{}
	c.Request().Header.VisitAll(func(key, value []byte) {
		header.Add(string(key), string(value))
	})
	return header
}
