// Package spec embeds the OpenAPI description of the local session API.
package spec

import _ "embed"

//go:embed openapi.yaml
var OpenAPI []byte
