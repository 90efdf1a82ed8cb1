// Command check_openapi verifies that the api and ingest OpenAPI documents
// describe the routes and error envelopes the services actually serve.
package main

import (
	"errors"
	"fmt"
	"os"
	"slices"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"
)

type openAPIDoc struct {
	Paths      map[string]map[string]yaml.Node `yaml:"paths"`
	Components struct {
		Schemas map[string]schema `yaml:"schemas"`
	} `yaml:"components"`
}

type schema struct {
	Type       string            `yaml:"type"`
	Ref        string            `yaml:"$ref"`
	Enum       []string          `yaml:"enum"`
	Properties map[string]schema `yaml:"properties"`
	Required   []string          `yaml:"required"`
	Items      *schema           `yaml:"items"`
}

type propertyShape struct {
	Type     string
	Ref      string
	ItemsRef string
}

type route struct {
	path   string
	method string
}

var apiRoutes = []route{
	{"/healthz", "get"},
	{"/api/auth/callback", "get"},
	{"/api/auth/callback", "post"},
	{"/api/upload", "post"},
	{"/api/message", "post"},
	{"/api/files", "get"},
	{"/api/files", "post"},
	{"/api/files/{id}", "get"},
	{"/api/files/{id}", "delete"},
	{"/api/files/{id}/status", "get"},
	{"/api/files/{id}/messages", "get"},
	{"/api/files/by-key/{key}", "get"},
	{"/api/billing/plan", "get"},
	{"/api/billing/session", "post"},
	{"/api/webhooks/stripe", "post"},
}

var ingestRoutes = []route{
	{"/healthz", "get"},
	{"/ingest/jobs", "post"},
	{"/ingest/jobs/{id}", "get"},
}

// errorCodes are the machine-readable codes the api service emits.
var errorCodes = []string{
	"NOT_AUTHENTICATED",
	"NOT_FOUND",
	"VALIDATION",
	"TOO_MANY_REQUESTS",
	"PAYLOAD_TOO_LARGE",
	"UPSTREAM_FAILURE",
	"INTERNAL",
}

var fileStatuses = []string{"PENDING", "PROCESSING", "SUCCESS", "FAILED"}

func main() {
	if len(os.Args) != 3 {
		fmt.Fprintf(os.Stderr, "usage: %s <api-openapi.yaml> <ingest-openapi.yaml>\n", os.Args[0])
		os.Exit(2)
	}
	if err := check(os.Args[1], os.Args[2]); err != nil {
		fmt.Fprintln(os.Stderr, err.Error())
		os.Exit(1)
	}
	fmt.Println("OpenAPI consistency check passed.")
}

func check(apiPath, ingestPath string) error {
	apiDoc, err := loadDoc(apiPath)
	if err != nil {
		return err
	}
	ingestDoc, err := loadDoc(ingestPath)
	if err != nil {
		return err
	}

	var errs []error
	errs = append(errs, validateRoutes("api", apiDoc, apiRoutes)...)
	errs = append(errs, validateRoutes("ingest", ingestDoc, ingestRoutes)...)

	apiErr, err := getSchema(apiDoc, "ErrorResponse")
	if err != nil {
		return fmt.Errorf("api: %w", err)
	}
	ingestErr, err := getSchema(ingestDoc, "ErrorResponse")
	if err != nil {
		return fmt.Errorf("ingest: %w", err)
	}
	errs = append(errs,
		validateErrorResponse("api", apiErr, true),
		validateErrorResponse("ingest", ingestErr, false),
		ensureSharedProperties("ErrorResponse", apiErr, ingestErr, "error", "requestId"),
	)

	if upload, err := getSchema(apiDoc, "UploadError"); err != nil {
		errs = append(errs, fmt.Errorf("api: %w", err))
	} else {
		errs = append(errs, requireString("api UploadError", upload, "message", true))
	}
	if status, err := getSchema(apiDoc, "FileStatus"); err != nil {
		errs = append(errs, fmt.Errorf("api: %w", err))
	} else if !sameSet(status.Enum, fileStatuses) {
		errs = append(errs, fmt.Errorf("api FileStatus.enum must be %v, got %v", fileStatuses, status.Enum))
	}
	return errors.Join(errs...)
}

func loadDoc(path string) (openAPIDoc, error) {
	var doc openAPIDoc
	raw, err := os.ReadFile(path)
	if err != nil {
		return doc, fmt.Errorf("read %s: %w", path, err)
	}
	if err := yaml.Unmarshal(raw, &doc); err != nil {
		return doc, fmt.Errorf("parse %s: %w", path, err)
	}
	return doc, nil
}

func getSchema(doc openAPIDoc, name string) (schema, error) {
	if doc.Components.Schemas == nil {
		return schema{}, errors.New("components.schemas missing")
	}
	s, ok := doc.Components.Schemas[name]
	if !ok {
		return schema{}, fmt.Errorf("schema %q missing", name)
	}
	return s, nil
}

func validateRoutes(scope string, doc openAPIDoc, routes []route) []error {
	var errs []error
	for _, rt := range routes {
		item, ok := doc.Paths[rt.path]
		if !ok {
			errs = append(errs, fmt.Errorf("%s: path %s missing", scope, rt.path))
			continue
		}
		if _, ok := item[rt.method]; !ok {
			errs = append(errs, fmt.Errorf("%s: %s %s missing", scope, strings.ToUpper(rt.method), rt.path))
		}
	}
	return errs
}

// validateErrorResponse checks the {error, code, requestId} envelope. The
// ingest service omits code.
func validateErrorResponse(scope string, s schema, withCode bool) error {
	if s.Type != "object" {
		return fmt.Errorf("%s ErrorResponse must be object", scope)
	}
	if err := requireString(scope+" ErrorResponse", s, "error", true); err != nil {
		return err
	}
	if err := requireString(scope+" ErrorResponse", s, "requestId", false); err != nil {
		return err
	}
	if !withCode {
		return nil
	}
	if err := requireString(scope+" ErrorResponse", s, "code", true); err != nil {
		return err
	}
	if enum := s.Properties["code"].Enum; !sameSet(enum, errorCodes) {
		return fmt.Errorf("%s ErrorResponse.code.enum must be %v, got %v", scope, errorCodes, enum)
	}
	return nil
}

func requireString(scope string, s schema, field string, required bool) error {
	if required && !makeSet(s.Required)[field] {
		return fmt.Errorf("%s.required must include %q", scope, field)
	}
	prop, ok := s.Properties[field]
	if !ok || prop.Type != "string" {
		return fmt.Errorf("%s.%s must be string", scope, field)
	}
	return nil
}

func shapeOf(s schema) propertyShape {
	shape := propertyShape{Type: s.Type, Ref: strings.TrimSpace(s.Ref)}
	if s.Items != nil {
		shape.ItemsRef = strings.TrimSpace(s.Items.Ref)
	}
	return shape
}

func ensureSharedProperties(name string, left, right schema, fields ...string) error {
	for _, field := range fields {
		l, lok := left.Properties[field]
		r, rok := right.Properties[field]
		if !lok || !rok {
			return fmt.Errorf("%s property %q must exist in both documents", name, field)
		}
		if shapeOf(l) != shapeOf(r) {
			return fmt.Errorf("%s property %q mismatch: %+v vs %+v", name, field, shapeOf(l), shapeOf(r))
		}
	}
	return nil
}

func sameSet(got, want []string) bool {
	a := append([]string(nil), got...)
	b := append([]string(nil), want...)
	sort.Strings(a)
	sort.Strings(b)
	return slices.Equal(a, b)
}

func makeSet(items []string) map[string]bool {
	out := make(map[string]bool, len(items))
	for _, item := range items {
		item = strings.TrimSpace(item)
		if item == "" {
			continue
		}
		out[item] = true
	}
	return out
}
