// Package cache implements the named response stores behind the offline cache
// controller. A Storage holds any number of named stores (one per app version);
// a Store maps a request key (the absolute request URL without fragment) to a
// fully buffered Response. Three backends share the same contract: a
// filesystem layout (temp file + rename, one file per entry), a SQLite
// database, and an in-memory map. AddAll provides the all-or-nothing bulk
// population used at install time.
package cache
