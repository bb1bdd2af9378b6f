// Package api 对外 HTTP 契约
package api

import "embed"

//go:embed openapi/*.yaml
var OpenAPIFS embed.FS

// ContractFile 契约文件在 OpenAPIFS 中的路径
const ContractFile = "openapi/app-builder.yaml"
