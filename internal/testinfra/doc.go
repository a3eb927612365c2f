// Package testinfra starts disposable Postgres and MongoDB containers for the
// integration tests (go test -tags integration ./...). Tests are skipped when Docker
// is not available.
package testinfra
