package openai_client

import (
	"github.com/mcdev12/quickpitch/go/clients"
)

type OpenAIClient struct {
	*clients.BaseClient
}

func NewOpenAIClient(apiKey string) *OpenAIClient {
	client := &OpenAIClient{
		BaseClient: clients.NewBaseClient(BaseURL),
	}

	client.SetHeader(AuthorizationHeader, "Bearer "+apiKey)
	client.SetHeader(BetaHeader, AssistantsBeta)

	return client
}
