package world

import "github.com/invopop/jsonschema"

// Schema 生成房间配置的 JSON Schema，供上传工具做本地校验
func Schema() *jsonschema.Schema {
	r := &jsonschema.Reflector{
		AllowAdditionalProperties: true,
		DoNotReference:            true,
	}
	return r.Reflect(&Config{})
}
