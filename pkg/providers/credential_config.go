package providers

import (
	"fmt"
	"os"
	"sort"
	"strings"

	"github.com/HensemLin/tenderdesk/pkg/config"
)

type credentialCandidate struct {
	auth  AuthStrategy
	field string
}

// resolveProviderAuth accepts exactly one of api_key or api_key_file.
func resolveProviderAuth(name string, pc config.ProviderConfig) (AuthStrategy, error) {
	prefix := "providers." + name
	candidates := make([]credentialCandidate, 0, 2)
	if key := strings.TrimSpace(pc.APIKey); key != "" {
		candidates = append(candidates, credentialCandidate{
			auth:  NewBearerAuth(NewStaticTokenSource(key, prefix+".api_key")),
			field: prefix + ".api_key",
		})
	}
	if file := strings.TrimSpace(pc.APIKeyFile); file != "" {
		if _, err := os.Stat(config.ExpandHome(file)); err != nil {
			return nil, fmt.Errorf("%s.api_key_file not accessible: %w", prefix, err)
		}
		candidates = append(candidates, credentialCandidate{
			auth:  NewBearerAuth(NewFileTokenSource(file)),
			field: prefix + ".api_key_file",
		})
	}

	switch len(candidates) {
	case 0:
		envName := "TENDERDESK_PROVIDERS_" + strings.ToUpper(name) + "_API_KEY"
		return nil, fmt.Errorf("%s credentials are required (set %s.api_key, %s.api_key_file or %s)", name, prefix, prefix, envName)
	case 1:
		return candidates[0].auth, nil
	default:
		fields := make([]string, 0, len(candidates))
		for _, c := range candidates {
			fields = append(fields, c.field)
		}
		sort.Strings(fields)
		return nil, fmt.Errorf("multiple %s credential sources configured (%s); set exactly one", name, strings.Join(fields, ", "))
	}
}

func hasCredentials(pc config.ProviderConfig) bool {
	return strings.TrimSpace(pc.APIKey) != "" || strings.TrimSpace(pc.APIKeyFile) != ""
}
