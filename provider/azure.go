package provider

import (
	"fmt"

	"github.com/openai/openai-go/v3"
	"github.com/openai/openai-go/v3/azure"
)

// AzureSession implements model.Session against an Azure OpenAI deployment.
// The wire protocol is chat completions, so all request mechanics are shared
// with OpenAISession; only client construction differs. Azure routes by
// deployment name, which takes the place of the model on the wire.
type AzureSession struct {
	chatCompletionSession
}

// NewAzureSession creates an uninitialized Azure OpenAI session.
func NewAzureSession(cfg Config) *AzureSession {
	if cfg.Model == "" {
		cfg.Model = cfg.Deployment
	}
	s := &AzureSession{}
	s.init(cfg, KindAzure, func(cfg Config) (openai.Client, error) {
		if cfg.Endpoint == "" {
			return openai.Client{}, fmt.Errorf("Azure OpenAI endpoint is required")
		}
		if cfg.APIKey == "" {
			return openai.Client{}, fmt.Errorf("Azure OpenAI API key is required")
		}
		apiVersion := cfg.APIVersion
		if apiVersion == "" {
			apiVersion = DefaultAzureAPIVersion
		}
		return openai.NewClient(
			azure.WithEndpoint(cfg.Endpoint, apiVersion),
			azure.WithAPIKey(cfg.APIKey),
		), nil
	})
	return s
}

// DefaultAzureAPIVersion is used when the config does not pin one.
const DefaultAzureAPIVersion = "2024-10-21"
