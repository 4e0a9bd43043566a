package persona

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"regexp"
	"strings"
	"time"
)

// Placeholders are bare {{var}} tokens authored by campaign operators.
// They are not Go templates on purpose: recipient-supplied values must
// never be able to invoke template actions.
var varPattern = regexp.MustCompile(`\{\{\s*([a-zA-Z0-9_]+)\s*\}\}`)

// Personalizer produces the final message text for one recipient.
type Personalizer interface {
	Personalize(ctx context.Context, phone, message string) (string, error)
}

// Render substitutes {{var}} placeholders from vars. Unknown
// placeholders are left untouched.
func Render(message string, vars map[string]string) string {
	return varPattern.ReplaceAllStringFunc(message, func(match string) string {
		name := strings.TrimSpace(strings.Trim(match, "{}"))
		if v, ok := vars[name]; ok {
			return v
		}
		return match
	})
}

// Static renders messages locally from a fixed variable set plus the
// recipient phone. It is the fallback when no remote backend is
// configured or the backend fails.
type Static struct {
	Vars map[string]string
}

// Personalize renders the message with the static variables.
func (s *Static) Personalize(ctx context.Context, phone, message string) (string, error) {
	vars := map[string]string{"phone": phone}
	for k, v := range s.Vars {
		vars[k] = v
	}
	return Render(message, vars), nil
}

// Remote asks an external personalization backend to produce the final
// text for each recipient.
type Remote struct {
	baseURL    string
	secret     string
	httpClient *http.Client
	fallback   Personalizer
}

// NewRemote creates a remote personalizer. When the backend fails the
// message falls back to local rendering so a send never blocks on it.
func NewRemote(baseURL, secret string, fallback Personalizer) *Remote {
	if fallback == nil {
		fallback = &Static{}
	}
	return &Remote{
		baseURL:  baseURL,
		secret:   secret,
		fallback: fallback,
		httpClient: &http.Client{
			Timeout: 30 * time.Second,
		},
	}
}

type personalizeRequest struct {
	Phone   string `json:"phone"`
	Message string `json:"message"`
}

type personalizeResponse struct {
	OK    bool   `json:"ok"`
	Text  string `json:"text"`
	Error string `json:"error,omitempty"`
}

// Personalize calls the backend, falling back to local rendering on any
// backend failure.
func (r *Remote) Personalize(ctx context.Context, phone, message string) (string, error) {
	text, err := r.call(ctx, phone, message)
	if err != nil {
		return r.fallback.Personalize(ctx, phone, message)
	}
	return text, nil
}

func (r *Remote) call(ctx context.Context, phone, message string) (string, error) {
	data, err := json.Marshal(&personalizeRequest{Phone: phone, Message: message})
	if err != nil {
		return "", fmt.Errorf("marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, r.baseURL+"/personalize", bytes.NewReader(data))
	if err != nil {
		return "", fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Persona-Secret", r.secret)

	resp, err := r.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("do request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		return "", fmt.Errorf("backend HTTP %d", resp.StatusCode)
	}

	var result personalizeResponse
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return "", fmt.Errorf("decode response: %w", err)
	}
	if !result.OK {
		return "", fmt.Errorf("backend error: %s", result.Error)
	}
	return result.Text, nil
}
