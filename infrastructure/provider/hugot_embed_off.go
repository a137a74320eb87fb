//go:build !embed_model

package provider

const hasEmbeddedModel = false
