package gateway

import (
	"context"
	"errors"
	"io"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"google.golang.org/grpc/codes"
	"google.golang.org/protobuf/encoding/protowire"

	"github.com/dmarkov/itemgw/internal/backend"
	"github.com/dmarkov/itemgw/internal/circuitbreaker"
	"github.com/dmarkov/itemgw/internal/config"
	"github.com/dmarkov/itemgw/internal/observability"
)

// responseContentType is the content type of passed-through backend
// responses.
const responseContentType = "application/x-protobuf"

// proxyHandler returns the handler for a single route. It builds the
// request payload, runs the backend call under breaker protection with a
// request-scoped deadline, and translates the outcome into an HTTP
// response. A transport failure is retried at most once; timeouts and
// backend-reported errors are not retried.
func (g *Gateway) proxyHandler(route config.RouteConfig) gin.HandlerFunc {
	return func(c *gin.Context) {
		payload, err := buildPayload(c)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
			return
		}

		ctx, cancel := context.WithTimeout(c.Request.Context(), g.callTimeout)
		defer cancel()

		resp, err := g.callWithRetry(ctx, route.RPC, payload)
		if err != nil {
			g.writeError(c, err)
			return
		}

		c.Data(route.SuccessStatus, responseContentType, resp)
	}
}

// callWithRetry performs the backend call through the circuit breaker.
// Only a transport failure triggers the single retry, and the retry goes
// through the breaker again.
func (g *Gateway) callWithRetry(ctx context.Context, method string, payload []byte) ([]byte, error) {
	resp, err := g.call(ctx, method, payload)
	if err == nil || !g.retryTransport || !backend.IsTransportError(err) {
		return resp, err
	}

	g.logger.Debug("retrying after transport failure",
		observability.String("requestId", observability.RequestIDFromContext(ctx)),
		observability.String("method", method),
	)

	return g.call(ctx, method, payload)
}

// call performs one breaker-guarded backend call.
func (g *Gateway) call(ctx context.Context, method string, payload []byte) ([]byte, error) {
	var resp []byte
	err := g.breaker.Execute(ctx, func(ctx context.Context) error {
		var callErr error
		resp, callErr = g.client.Call(ctx, method, payload)
		return callErr
	})
	return resp, err
}

// buildPayload assembles the backend request message. Request bodies pass
// through unchanged; for body-less routes a path parameter is encoded as
// the first field of the request message, as a varint when numeric and as
// a length-delimited string otherwise.
func buildPayload(c *gin.Context) ([]byte, error) {
	if c.Request.Body != nil && c.Request.ContentLength != 0 {
		body, err := io.ReadAll(c.Request.Body)
		if err != nil {
			return nil, err
		}
		return body, nil
	}

	if len(c.Params) > 0 {
		value := c.Params[0].Value
		if id, err := strconv.ParseInt(value, 10, 64); err == nil {
			payload := protowire.AppendTag(nil, 1, protowire.VarintType)
			return protowire.AppendVarint(payload, uint64(id)), nil
		}
		payload := protowire.AppendTag(nil, 1, protowire.BytesType)
		return protowire.AppendString(payload, value), nil
	}

	return nil, nil
}

// writeError translates a classified call failure into an HTTP response.
// The breaker rejection maps to 503 with a Retry-After hint, timeouts to
// 504, transport failures to 502, and backend-reported errors to the HTTP
// status matching their code.
func (g *Gateway) writeError(c *gin.Context, err error) {
	requestID := observability.RequestIDFromContext(c.Request.Context())

	switch {
	case errors.Is(err, circuitbreaker.ErrOpen):
		c.Header("Retry-After", strconv.Itoa(int(g.cooldown.Seconds())))
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "backend temporarily unavailable"})

	case errors.Is(err, backend.ErrTimeout):
		g.logger.Warn("backend call timed out",
			observability.String("requestId", requestID),
		)
		c.JSON(http.StatusGatewayTimeout, gin.H{"error": "backend timeout"})

	case backend.IsTransportError(err):
		g.logger.Error("backend unreachable",
			observability.String("requestId", requestID),
			observability.Error(err),
		)
		c.JSON(http.StatusBadGateway, gin.H{"error": "backend unreachable"})

	default:
		var backendErr *backend.BackendError
		if errors.As(err, &backendErr) {
			c.JSON(httpStatusFromCode(backendErr.Code), gin.H{"error": backendErr.Message})
			return
		}

		g.logger.Error("unclassified backend failure",
			observability.String("requestId", requestID),
			observability.Error(err),
		)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal server error"})
	}
}

// httpStatusFromCode maps a backend gRPC status code to an HTTP status.
func httpStatusFromCode(code codes.Code) int {
	switch code {
	case codes.InvalidArgument, codes.OutOfRange:
		return http.StatusBadRequest
	case codes.NotFound:
		return http.StatusNotFound
	case codes.AlreadyExists, codes.Aborted:
		return http.StatusConflict
	case codes.PermissionDenied:
		return http.StatusForbidden
	case codes.Unauthenticated:
		return http.StatusUnauthorized
	case codes.ResourceExhausted:
		return http.StatusTooManyRequests
	case codes.FailedPrecondition:
		return http.StatusPreconditionFailed
	case codes.Unimplemented:
		return http.StatusNotImplemented
	default:
		return http.StatusBadGateway
	}
}
