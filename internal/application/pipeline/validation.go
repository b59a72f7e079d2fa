package pipeline

import (
	"context"

	"github.com/bryanwahyu/deeptm/internal/domain/threatmodel"
)

// CredentialValidator is the validation stage: it resolves the credential
// context for a run and fails with a ConfigurationError when the model
// provider key is missing.
type CredentialValidator struct {
	// Defaults are the server-side keys used when the client sends none.
	Defaults map[string]string
}

var _ threatmodel.ValidationStage = CredentialValidator{}

// Invoke never calls out; it only inspects the request.
func (v CredentialValidator) Invoke(_ context.Context, req threatmodel.AnalysisRequest, _ threatmodel.StageContext) (threatmodel.Credentials, error) {
	if req.HasOverrides() {
		if req.APIKeys[threatmodel.KeyOpenAI] == "" {
			return threatmodel.Credentials{}, &threatmodel.ConfigurationError{
				Key:     threatmodel.KeyOpenAI,
				Message: "OpenAI API key is required",
			}
		}
		merged := make(map[string]string, len(v.Defaults)+len(req.APIKeys))
		for k, val := range v.Defaults {
			merged[k] = val
		}
		for k, val := range req.APIKeys {
			if val != "" {
				merged[k] = val
			}
		}
		return threatmodel.NewCredentials(merged), nil
	}

	if v.Defaults[threatmodel.KeyOpenAI] == "" {
		return threatmodel.Credentials{}, &threatmodel.ConfigurationError{
			Key:     threatmodel.KeyOpenAI,
			Message: "OpenAI API key is not configured",
		}
	}
	return threatmodel.NewCredentials(v.Defaults), nil
}
