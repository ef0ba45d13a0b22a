package handlers

import "github.com/xeipuuv/gojsonschema"

const YouTubeRequestSchemaDefinition = `{
	"type": "object",
	"required": ["url"],
	"properties": {
		"url": {"type": "string", "minLength": 1, "format": "uri"}
	}
}`

const MetadataRequestSchemaDefinition = `{
	"type": "object",
	"required": ["sessionId", "videoKey"],
	"properties": {
		"sessionId": {"type": "string", "minLength": 1},
		"videoKey": {"type": "string", "minLength": 1}
	}
}`

const TranscribeRequestSchemaDefinition = `{
	"type": "object",
	"required": ["sessionId", "videoKey"],
	"properties": {
		"sessionId": {"type": "string", "minLength": 1},
		"videoKey": {"type": "string", "minLength": 1},
		"language": {"type": "string"}
	}
}`

const RenderRequestSchemaDefinition = `{
	"type": "object",
	"required": ["sessionId", "videoKey", "clips"],
	"properties": {
		"sessionId": {"type": "string", "minLength": 1},
		"videoKey": {"type": "string", "minLength": 1},
		"clips": {
			"type": "array",
			"minItems": 1,
			"items": {
				"type": "object",
				"required": ["start", "end"],
				"properties": {
					"start": {"type": "number"},
					"end": {"type": "number"}
				}
			}
		},
		"quality": {"type": "string", "enum": ["high", "medium", "low"]},
		"cropMode": {"type": "string"}
	}
}`

const PreviewRequestSchemaDefinition = `{
	"type": "object",
	"required": ["sessionId", "videoKey", "start", "end"],
	"properties": {
		"sessionId": {"type": "string", "minLength": 1},
		"videoKey": {"type": "string", "minLength": 1},
		"start": {"type": "number"},
		"end": {"type": "number"}
	}
}`

const DownloadURLRequestSchemaDefinition = `{
	"type": "object",
	"required": ["key"],
	"properties": {
		"key": {"type": "string", "minLength": 1}
	}
}`

const CleanupRequestSchemaDefinition = `{
	"type": "object",
	"required": ["sessionId"],
	"properties": {
		"sessionId": {"type": "string", "minLength": 1}
	}
}`

var inputSchemas = map[string]string{
	"YouTube":     YouTubeRequestSchemaDefinition,
	"Metadata":    MetadataRequestSchemaDefinition,
	"Transcribe":  TranscribeRequestSchemaDefinition,
	"Render":      RenderRequestSchemaDefinition,
	"Preview":     PreviewRequestSchemaDefinition,
	"DownloadURL": DownloadURLRequestSchemaDefinition,
	"Cleanup":     CleanupRequestSchemaDefinition,
}

func compileJsonSchemas() map[string]*gojsonschema.Schema {
	compiled := make(map[string]*gojsonschema.Schema)
	for name, text := range inputSchemas {
		schema, err := gojsonschema.NewSchema(gojsonschema.NewStringLoader(text))
		if err != nil {
			panic(err) // fix schema text
		}
		compiled[name] = schema
	}
	return compiled
}

var inputSchemasCompiled = compileJsonSchemas()
