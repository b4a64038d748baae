package proxy

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"io"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/vllm-project/llm-router/internal/dynconfig"
	"github.com/vllm-project/llm-router/internal/policy"
)

// promptFingerprintChars bounds how much of the prompt is hashed for the
// prefix policy's fingerprint (spec.md §4.4 "first K tokens hashed";
// approximated here with a character budget since tokenization is a
// backend concern the router does not perform).
const promptFingerprintChars = 256

// openAIError formats the `{error: {message, type}}` shape spec.md §7
// requires for every non-2xx response.
func openAIError(c *gin.Context, status int, errType, message string) {
	c.AbortWithStatusJSON(status, gin.H{
		"error": gin.H{
			"message": message,
			"type":    errType,
		},
	})
}

// requestBody is the subset of an OpenAI chat/completions request body the
// router inspects. Unknown fields are ignored and the raw bytes, not this
// struct, are what gets forwarded.
type requestBody struct {
	Model    string `json:"model"`
	Prompt   string `json:"prompt"`
	Messages []struct {
		Content string `json:"content"`
	} `json:"messages"`
}

func (b requestBody) fingerprintSeed() string {
	if b.Prompt != "" {
		return b.Prompt
	}
	if len(b.Messages) > 0 {
		return b.Messages[0].Content
	}
	return ""
}

func promptFingerprint(seed string) string {
	if seed == "" {
		return ""
	}
	if len(seed) > promptFingerprintChars {
		seed = seed[:promptFingerprintChars]
	}
	sum := sha256.Sum256([]byte(seed))
	return hex.EncodeToString(sum[:])
}

// handleInference serves POST /v1/chat/completions and POST
// /v1/completions (spec.md §4.6). It parses the model out of the JSON
// prelude, filters the registry, consults the policy, and streams the
// chosen backend's response back unmodified.
func (f *Front) handleInference(c *gin.Context) {
	handle := f.source.Current()

	raw, err := io.ReadAll(c.Request.Body)
	if err != nil {
		openAIError(c, http.StatusBadRequest, "invalid_request_error", "failed to read request body")
		return
	}
	c.Request.Body = io.NopCloser(bytes.NewReader(raw))

	var body requestBody
	if err := json.Unmarshal(raw, &body); err != nil || body.Model == "" {
		openAIError(c, http.StatusBadRequest, "invalid_request_error", "request body must be JSON with a \"model\" field")
		return
	}

	snapshot := handle.Registry.Current()
	candidates := snapshot.ForModel(body.Model)
	if len(candidates) == 0 {
		openAIError(c, http.StatusNotFound, "model_not_found", "no backend serves model \""+body.Model+"\"")
		return
	}

	req := policy.Request{
		Model:      body.Model,
		SessionKey: c.GetHeader(handle.Document.SessionKey),
		PromptHash: promptFingerprint(body.fingerprintSeed()),
	}

	target, err := handle.Policy.Choose(candidates, req)
	if err != nil {
		if errors.Is(err, policy.ErrNoCandidate) {
			openAIError(c, http.StatusServiceUnavailable, "no_candidate", "no backend is currently available for model \""+body.Model+"\"")
			return
		}
		openAIError(c, http.StatusServiceUnavailable, "no_candidate", err.Error())
		return
	}

	if disagg, ok := handle.Policy.(*policy.Disaggregated); ok {
		f.serveDisaggregated(c, disagg, target, candidates, req)
		return
	}

	f.forward(c, target.URL, body.Model)
}

// handleModels serves GET /v1/models: the union of model names across the
// currently registered backends (spec.md §4.6).
func (f *Front) handleModels(c *gin.Context) {
	snapshot := f.source.Current().Registry.Current()
	models := snapshot.Models()

	data := make([]gin.H, 0, len(models))
	for _, m := range models {
		data = append(data, gin.H{"id": m, "object": "model"})
	}
	c.JSON(http.StatusOK, gin.H{"object": "list", "data": data})
}

// handleHealth serves GET /health: basic liveness, the active generation's
// document when dynamic config is active, and a per-backend load summary
// from the engine-stats scraper when one is configured (spec.md §4.6).
func (f *Front) handleHealth(c *gin.Context) {
	handle := f.source.Current()
	resp := gin.H{"status": "healthy"}
	if _, dynamic := f.source.(*dynconfig.Watcher); dynamic {
		resp["active_config"] = handle.Document
	}
	if f.scraper != nil {
		backends := make(gin.H, len(handle.Registry.Current().Endpoints()))
		for url, snap := range f.scraper.All() {
			backends[url] = gin.H{
				"running":  snap.RunningRequests,
				"waiting":  snap.WaitingRequests,
				"finished": snap.FinishedRequests,
				"ttft_avg": snap.TTFTSecondsAvg,
				"uptime":   snap.UptimeSeconds,
				"stale":    snap.Stale,
			}
		}
		resp["backends"] = backends
	}
	c.JSON(http.StatusOK, resp)
}
