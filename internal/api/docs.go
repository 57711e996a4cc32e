package api

import (
	"net/http"
	"os"

	"gopkg.in/yaml.v3"

	"fleetcorr/internal/buildinfo"
)

func openAPILoad() ([]byte, error) {
	return os.ReadFile("openapi/openapi.yaml")
}

// OpenAPIHandler serves the OpenAPI document, as YAML or converted to JSON
// when the path ends in .json.
func (s *Server) OpenAPIHandler(w http.ResponseWriter, r *http.Request) {
	b, err := openAPILoad()
	if err != nil {
		writeProblem(w, 500, "OpenAPI not available", err.Error(), r.URL.Path)
		return
	}
	if r.URL.Path == "/openapi.json" {
		var doc map[string]any
		if err := yaml.Unmarshal(b, &doc); err != nil {
			writeProblem(w, 500, "OpenAPI not available", err.Error(), r.URL.Path)
			return
		}
		writeJSON(w, 200, doc)
		return
	}
	w.Header().Set("Content-Type", "application/yaml")
	w.WriteHeader(200)
	_, _ = w.Write(b)
}

// VersionHandler reports build metadata.
func (s *Server) VersionHandler(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, 200, buildinfo.Info())
}
