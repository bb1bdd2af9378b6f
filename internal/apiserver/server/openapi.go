package server

import (
	"fmt"
	"net/http"

	"github.com/getkin/kin-openapi/openapi3"
	"github.com/getkin/kin-openapi/openapi3filter"
	"github.com/getkin/kin-openapi/routers"
	legacyrouter "github.com/getkin/kin-openapi/routers/legacy"
	"github.com/oasdiff/yaml"

	"app-builder/api"
)

// Contract 已加载并校验过的 OpenAPI 契约
type Contract struct {
	doc    *openapi3.T
	router routers.Router
	json   []byte
}

// LoadContract 从嵌入文件加载契约
func LoadContract() (*Contract, error) {
	raw, err := api.OpenAPIFS.ReadFile(api.ContractFile)
	if err != nil {
		return nil, fmt.Errorf("read openapi contract: %w", err)
	}

	loader := openapi3.NewLoader()
	doc, err := loader.LoadFromData(raw)
	if err != nil {
		return nil, fmt.Errorf("parse openapi contract: %w", err)
	}
	if err := doc.Validate(loader.Context); err != nil {
		return nil, fmt.Errorf("invalid openapi contract: %w", err)
	}

	router, err := legacyrouter.NewRouter(doc)
	if err != nil {
		return nil, fmt.Errorf("build openapi router: %w", err)
	}

	js, err := yaml.YAMLToJSON(raw)
	if err != nil {
		return nil, fmt.Errorf("convert openapi contract: %w", err)
	}
	return &Contract{doc: doc, router: router, json: js}, nil
}

// Doc 契约文档
func (c *Contract) Doc() *openapi3.T {
	return c.doc
}

// ValidationMiddleware 校验请求参数与请求体，不合法时返回 400
//
// 契约之外的路由（/health、/metrics 等）直接放行。
func (c *Contract) ValidationMiddleware(next http.Handler) http.Handler {
	opts := &openapi3filter.Options{
		AuthenticationFunc: openapi3filter.NoopAuthenticationFunc,
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		route, params, err := c.router.FindRoute(r)
		if err != nil {
			next.ServeHTTP(w, r)
			return
		}
		in := &openapi3filter.RequestValidationInput{
			Request:    r,
			PathParams: params,
			Route:      route,
			Options:    opts,
		}
		if err := openapi3filter.ValidateRequest(r.Context(), in); err != nil {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		next.ServeHTTP(w, r)
	})
}

// OpenAPIJSON 导出契约
//
// 路由: GET /api/openapi.json
func (h *Handler) OpenAPIJSON(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	w.Write(h.contract.json)
}
