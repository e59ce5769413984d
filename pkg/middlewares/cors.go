package middlewares

import (
	"net/http"

	"github.com/gorilla/mux"
	"github.com/rs/cors"
)

type CorsMw struct {
	h http.Handler
}

func NewCorsMw(opts cors.Options) mux.MiddlewareFunc {
	return func(next http.Handler) http.Handler {
		return NewCors(opts, next)
	}
}

// This should be the first middleware in the chain
func NewCors(opts cors.Options, next http.Handler) *CorsMw {
	c := cors.New(opts)

	return &CorsMw{
		h: c.Handler(next),
	}
}

func (mw *CorsMw) ServeHTTP(rw http.ResponseWriter, r *http.Request) {
	mw.h.ServeHTTP(rw, r)
}
