package testutil

import (
	"net/http"
	"time"

	"studentvc/pkg/requestcontext"
)

// FromClient sets the client metadata the metadata middleware would attach.
func FromClient(req *http.Request, ip string) *http.Request {
	return req.WithContext(requestcontext.WithClientMetadata(req.Context(), ip, "testutil"))
}

// At pins the request time seen by requestcontext.Now.
func At(req *http.Request, t time.Time) *http.Request {
	return req.WithContext(requestcontext.WithTime(req.Context(), t))
}
