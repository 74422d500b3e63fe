package swagger

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gorilla/mux"
	"github.com/smartystreets/goconvey/convey"
)

func TestSwaggerHandler(t *testing.T) {
	convey.Convey("Given a router with the docs routes", t, func() {
		router := mux.NewRouter()
		Register(router)

		serve := func(method, path string) *httptest.ResponseRecorder {
			w := httptest.NewRecorder()
			router.ServeHTTP(w, httptest.NewRequest(method, path, http.NoBody))
			return w
		}

		convey.Convey("Then it should serve the OpenAPI document", func() {
			w := serve(http.MethodGet, "/openapi.yaml")
			convey.So(w.Code, convey.ShouldEqual, http.StatusOK)
			convey.So(w.Header().Get("Content-Type"), convey.ShouldEqual, "application/yaml; charset=utf-8")
			convey.So(w.Body.String(), convey.ShouldStartWith, "openapi: 3.0.3")
			convey.So(w.Body.String(), convey.ShouldContainSubstring, "/conflicts/{id}/resolve:")
		})

		convey.Convey("And it should serve the ReDoc page", func() {
			w := serve(http.MethodGet, "/api-docs")
			convey.So(w.Code, convey.ShouldEqual, http.StatusOK)
			convey.So(w.Header().Get("Content-Type"), convey.ShouldEqual, "text/html; charset=utf-8")
			convey.So(w.Body.String(), convey.ShouldContainSubstring, "redoc-container")
		})

		convey.Convey("And it should refuse other methods", func() {
			w := serve(http.MethodPost, "/openapi.yaml")
			convey.So(w.Code, convey.ShouldEqual, http.StatusMethodNotAllowed)
		})

		convey.Convey("And a nil router should panic", func() {
			convey.So(func() { Register(nil) }, convey.ShouldPanic)
		})
	})
}
