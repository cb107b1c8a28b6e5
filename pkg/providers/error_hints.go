package providers

import (
	"net/http"
	"strings"
)

func augmentProviderError(providerName string, status int, message string) string {
	msg := strings.TrimSpace(message)
	if msg == "" {
		return msg
	}

	switch status {
	case http.StatusUnauthorized:
		return msg + " Hint: check providers." + NormalizeProviderName(providerName) + ".api_key."
	case http.StatusPaymentRequired:
		if NormalizeProviderName(providerName) == ProviderOpenRouter {
			return msg + " Hint: the OpenRouter account is out of credits; pick a free model or top up."
		}
	case http.StatusTooManyRequests:
		return msg + " Hint: rate limited upstream; retry later or lower request volume."
	case http.StatusNotFound:
		if strings.Contains(strings.ToLower(msg), "model") {
			return msg + " Hint: models.llm or models.embedding names a model this provider does not serve."
		}
	}
	return msg
}
