// SPDX-FileCopyrightText: 2022 Free Mobile
// SPDX-License-Identifier: AGPL-3.0-only

package reporter

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
)

// HealthcheckStatus represents an healthcheck status.
type HealthcheckStatus int

const (
	// HealthcheckOK says "OK"
	HealthcheckOK HealthcheckStatus = iota
	// HealthcheckWarning says there is a non-fatal condition, like a trace
	// adapter being temporarily unreachable
	HealthcheckWarning
	// HealthcheckError says there is a big problem with the component
	HealthcheckError
)

// HealthcheckResult combines a status and a reason
type HealthcheckResult struct {
	Status HealthcheckStatus `json:"status"`
	Reason string            `json:"reason"`
}

// MultipleHealthcheckResults aggregates the result of several healthchecks
type MultipleHealthcheckResults struct {
	Status  HealthcheckStatus            `json:"status"`
	Details map[string]HealthcheckResult `json:"details,omitempty"`
}

func (hs HealthcheckStatus) String() string {
	switch hs {
	case HealthcheckOK:
		return "ok"
	case HealthcheckWarning:
		return "warning"
	case HealthcheckError:
		return "error"
	default:
		return "unknown"
	}
}

// MarshalText turns a status into text.
func (hs HealthcheckStatus) MarshalText() ([]byte, error) {
	return []byte(hs.String()), nil
}

// HealthcheckFunc defines a function returning an healthcheck result.
type HealthcheckFunc func(context.Context) HealthcheckResult

// RegisterHealthcheck registers a new healthcheck under the provided name.
// Registering the same name twice replaces the previous healthcheck.
func (r *Reporter) RegisterHealthcheck(name string, hf HealthcheckFunc) {
	r.healthchecksLock.Lock()
	r.healthchecks[name] = hf
	r.healthchecksLock.Unlock()
}

// RunHealthchecks executes all healthchecks in parallel and returns a global
// status as well as the individual results. An healthcheck not answering
// before the context is done is reported as an error.
func (r *Reporter) RunHealthchecks(ctx context.Context) MultipleHealthcheckResults {
	r.healthchecksLock.Lock()
	defer r.healthchecksLock.Unlock()

	results := MultipleHealthcheckResults{
		Status:  HealthcheckOK,
		Details: make(map[string]HealthcheckResult, len(r.healthchecks)),
	}
	var (
		wg   sync.WaitGroup
		lock sync.Mutex
	)
	for name, hf := range r.healthchecks {
		wg.Add(1)
		go func() {
			defer wg.Done()
			answer := make(chan HealthcheckResult, 1)
			go func() { answer <- hf(ctx) }()
			var result HealthcheckResult
			select {
			case result = <-answer:
				if ctx.Err() != nil {
					result = HealthcheckResult{HealthcheckError, "timeout during check"}
				}
			case <-ctx.Done():
				result = HealthcheckResult{HealthcheckError, "timeout during check"}
			}
			lock.Lock()
			results.Details[name] = result
			if result.Status > results.Status {
				results.Status = result.Status
			}
			lock.Unlock()
		}()
	}
	wg.Wait()
	return results
}

// HealthcheckHTTPHandler is an HTTP handler returning healthcheck results as
// JSON.
func (r *Reporter) HealthcheckHTTPHandler(gc *gin.Context) {
	ctx, cancel := context.WithTimeout(gc.Request.Context(), 5*time.Second)
	defer cancel()
	results := r.RunHealthchecks(ctx)
	httpStatus := http.StatusOK
	if results.Status == HealthcheckError {
		httpStatus = http.StatusServiceUnavailable
	}
	gc.JSON(httpStatus, results)
}

// ChannelHealthcheckFunc is the function sent over a channel to signal
// liveness.
type ChannelHealthcheckFunc func(HealthcheckStatus, string)

// ChannelHealthcheck implements an HealthcheckFunc using a channel to verify
// a component liveness. The worker of the component should receive the
// function from the channel and call it with its status. ctx is the
// component context: when it is done, the component is reported as dead.
func ChannelHealthcheck(ctx context.Context, contact chan<- ChannelHealthcheckFunc) HealthcheckFunc {
	return func(healthcheckCtx context.Context) HealthcheckResult {
		answer := make(chan HealthcheckResult, 1)
		signal := func(status HealthcheckStatus, reason string) {
			select {
			case answer <- HealthcheckResult{status, reason}:
			default:
			}
		}

		select {
		case <-ctx.Done():
			return HealthcheckResult{HealthcheckError, "dead"}
		case <-healthcheckCtx.Done():
			return HealthcheckResult{HealthcheckError, "timeout"}
		case contact <- signal:
		}

		select {
		case <-ctx.Done():
			return HealthcheckResult{HealthcheckError, "dead"}
		case <-healthcheckCtx.Done():
			return HealthcheckResult{HealthcheckError, "timeout"}
		case result := <-answer:
			return result
		}
	}
}
