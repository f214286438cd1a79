package server

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/bytedance/sonic"
	"github.com/go-playground/validator/v10"
	"github.com/valyala/fasthttp"

	"github.com/unkn0wn-root/urlcache"
)

type urlResponse struct {
	URL       string    `json:"url"`
	ExpiresAt time.Time `json:"expiresAt"`
}

type batchRequest struct {
	Keys []string `json:"keys" validate:"required,min=1,max=1000"`
}

type batchResponse struct {
	Results map[string]string `json:"results"`
	Failed  []string          `json:"failed"`
}

type invalidateRequest struct {
	Key string `json:"key" validate:"required"`
}

type errorResponse struct {
	Error string `json:"error"`
}

func (s *Server) handleGet(ctx *fasthttp.RequestCtx) {
	key := string(ctx.QueryArgs().Peek("key"))
	rctx, cancel := s.requestContext()
	defer cancel()

	e, err := s.cache.GetEntry(rctx, key)
	if err != nil {
		status, msg := statusFor(err)
		writeError(ctx, status, msg)
		return
	}
	writeJSON(ctx, fasthttp.StatusOK, urlResponse{URL: e.URL, ExpiresAt: e.ExpiresAt})
}

func (s *Server) handleBatch(ctx *fasthttp.RequestCtx) {
	var req batchRequest
	if !s.decode(ctx, &req) {
		return
	}
	rctx, cancel := s.requestContext()
	defer cancel()

	urls, failed, err := s.cache.GetBatch(rctx, req.Keys)
	if errors.Is(err, urlcache.ErrClosed) {
		writeError(ctx, fasthttp.StatusServiceUnavailable, err.Error())
		return
	}
	if err != nil {
		s.log.Warn("batch ended early", urlcache.Fields{"keys": len(req.Keys), "failed": len(failed), "err": err})
	}
	if failed == nil {
		failed = []string{}
	}
	writeJSON(ctx, fasthttp.StatusOK, batchResponse{Results: urls, Failed: failed})
}

func (s *Server) handleInvalidate(ctx *fasthttp.RequestCtx) {
	var req invalidateRequest
	if !s.decode(ctx, &req) {
		return
	}
	rctx, cancel := s.requestContext()
	defer cancel()

	if err := s.cache.Invalidate(rctx, req.Key); err != nil {
		status, msg := statusFor(err)
		writeError(ctx, status, msg)
		return
	}
	ctx.SetStatusCode(fasthttp.StatusNoContent)
}

// decode unmarshals and validates a JSON body, answering 400 itself on failure.
func (s *Server) decode(ctx *fasthttp.RequestCtx, v any) bool {
	if err := sonic.Unmarshal(ctx.PostBody(), v); err != nil {
		writeError(ctx, fasthttp.StatusBadRequest, "invalid json body")
		return false
	}
	if err := s.validate.Struct(v); err != nil {
		writeError(ctx, fasthttp.StatusBadRequest, validationMessage(err))
		return false
	}
	return true
}

func validationMessage(err error) string {
	var ve validator.ValidationErrors
	if !errors.As(err, &ve) {
		return err.Error()
	}
	msgs := make([]string, 0, len(ve))
	for _, fe := range ve {
		msgs = append(msgs, strings.ToLower(fe.Field())+": failed "+fe.Tag())
	}
	return strings.Join(msgs, "; ")
}

func statusFor(err error) (int, string) {
	var ie *urlcache.IssueError
	var inv *urlcache.InvalidateError
	switch {
	case errors.Is(err, urlcache.ErrInvalidKey):
		return fasthttp.StatusBadRequest, err.Error()
	case errors.Is(err, context.DeadlineExceeded):
		return fasthttp.StatusGatewayTimeout, "timed out waiting for url"
	case errors.As(err, &ie):
		return fasthttp.StatusBadGateway, err.Error()
	case errors.As(err, &inv), errors.Is(err, urlcache.ErrClosed):
		return fasthttp.StatusServiceUnavailable, err.Error()
	default:
		return fasthttp.StatusInternalServerError, err.Error()
	}
}
