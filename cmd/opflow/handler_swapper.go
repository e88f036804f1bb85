package main

import (
	"net/http"
	"sync/atomic"
)

// handlerSwapper serves through whichever API handler was installed last.
// A SIGHUP reload installs one built with the new rate-limit settings.
type handlerSwapper struct {
	current atomic.Pointer[http.Handler]
}

func newHandlerSwapper(h http.Handler) *handlerSwapper {
	s := &handlerSwapper{}
	s.Swap(h)
	return s
}

func (s *handlerSwapper) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	(*s.current.Load()).ServeHTTP(w, r)
}

func (s *handlerSwapper) Swap(h http.Handler) {
	s.current.Store(&h)
}
