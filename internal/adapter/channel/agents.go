package channel

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"

	"github.com/kaptinlin/jsonschema"

	"basecamp/internal/adapter/retrieval"
	"basecamp/internal/domain"
)

// agentSchema validates registration bodies. System agents are registered
// at startup only, so the API accepts just the two tenant kinds.
const agentSchema = `{
  "type": "object",
  "required": ["name", "description", "prompt_template", "kind"],
  "additionalProperties": false,
  "properties": {
    "key": {"type": "string", "pattern": "^[A-Za-z0-9_.-]{1,64}$"},
    "name": {"type": "string", "minLength": 1, "maxLength": 200},
    "description": {"type": "string", "minLength": 1},
    "prompt_template": {"type": "string", "minLength": 1},
    "kind": {"enum": ["prompt", "retrieval"]},
    "retrieval_filter": {
      "type": "object",
      "additionalProperties": {"type": "string"}
    }
  }
}`

var compiledAgentSchema = mustCompile(agentSchema)

func mustCompile(schema string) *jsonschema.Schema {
	compiled, err := jsonschema.NewCompiler().Compile([]byte(schema))
	if err != nil {
		panic("compile agent schema: " + err.Error())
	}
	return compiled
}

type agentRequest struct {
	Key             string            `json:"key"`
	Name            string            `json:"name"`
	Description     string            `json:"description"`
	PromptTemplate  string            `json:"prompt_template"`
	Kind            domain.AgentKind  `json:"kind"`
	RetrievalFilter map[string]string `json:"retrieval_filter"`
}

func (a agentRequest) config(tenantID string) domain.AgentConfig {
	return domain.AgentConfig{
		TenantID:        tenantID,
		Key:             a.Key,
		Name:            a.Name,
		Description:     a.Description,
		PromptTemplate:  a.PromptTemplate,
		Kind:            a.Kind,
		RetrievalFilter: a.RetrievalFilter,
	}
}

// readAgent validates the body against agentSchema before decoding it.
func readAgent(r *http.Request) (agentRequest, error) {
	const op = "channel.readAgent"
	body, err := io.ReadAll(r.Body)
	if err != nil {
		return agentRequest{}, err
	}
	var raw any
	if err := json.Unmarshal(body, &raw); err != nil {
		return agentRequest{}, domain.NewSubSystemError("agent", op, domain.ErrInvalidInput, "invalid JSON: "+err.Error())
	}
	if result := compiledAgentSchema.Validate(raw); !result.IsValid() {
		return agentRequest{}, domain.NewSubSystemError("agent", op, domain.ErrInvalidInput, result.Error())
	}
	var req agentRequest
	if err := json.Unmarshal(body, &req); err != nil {
		return agentRequest{}, domain.NewSubSystemError("agent", op, domain.ErrInvalidInput, err.Error())
	}
	return req, nil
}

func (s *Server) handleListAgents(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.Agents.List(r.PathValue("tenant")))
}

func (s *Server) handleCreateAgent(w http.ResponseWriter, r *http.Request) {
	req, err := readAgent(r)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	if req.Key == "" {
		writeError(w, http.StatusBadRequest, "key is required")
		return
	}
	tenant := r.PathValue("tenant")
	if err := s.Agents.Create(r.Context(), req.config(tenant)); err != nil {
		writeDomainError(w, err)
		return
	}
	s.writeAgent(w, http.StatusCreated, tenant, req.Key)
}

func (s *Server) handleGetAgent(w http.ResponseWriter, r *http.Request) {
	s.writeAgent(w, http.StatusOK, r.PathValue("tenant"), r.PathValue("key"))
}

func (s *Server) handleUpdateAgent(w http.ResponseWriter, r *http.Request) {
	req, err := readAgent(r)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	key := r.PathValue("key")
	if req.Key != "" && req.Key != key {
		writeError(w, http.StatusBadRequest, "key in body does not match path")
		return
	}
	req.Key = key
	tenant := r.PathValue("tenant")
	if err := s.Agents.Update(r.Context(), req.config(tenant)); err != nil {
		writeDomainError(w, err)
		return
	}
	s.writeAgent(w, http.StatusOK, tenant, key)
}

func (s *Server) handleDeleteAgent(w http.ResponseWriter, r *http.Request) {
	if err := s.Agents.Delete(r.Context(), r.PathValue("tenant"), r.PathValue("key")); err != nil {
		writeDomainError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) writeAgent(w http.ResponseWriter, status int, tenant, key string) {
	cfg, err := s.Agents.Get(tenant, key)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, status, cfg)
}

type ingestResponse struct {
	IDs []string `json:"ids"`
}

// handleIngest stores passages under the path tenant, tagged with the
// agent's retrieval filter so the agent finds them.
func (s *Server) handleIngest(w http.ResponseWriter, r *http.Request) {
	if s.Passages == nil {
		writeError(w, http.StatusServiceUnavailable, "passage store disabled")
		return
	}
	tenant, key := r.PathValue("tenant"), r.PathValue("key")
	cfg, err := s.Agents.Get(tenant, key)
	if err != nil {
		writeDomainError(w, err)
		return
	}

	var docs []retrieval.Document
	if err := decodeJSON(r, &docs); err != nil {
		writeDomainError(w, err)
		return
	}

	filter := cfg.RetrievalFilter
	if len(filter) == 0 {
		filter = map[string]string{"agent_id": cfg.Key}
	}
	ids, err := s.Passages.Ingest(r.Context(), tenant, filter, docs)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	s.Logger.Info("passages ingested", "tenant", tenant, "agent", key, "count", len(ids))
	writeJSON(w, http.StatusCreated, ingestResponse{IDs: ids})
}

const (
	defaultEvalLimit = 100
	maxEvalLimit     = 1000
)

func (s *Server) handleEvaluations(w http.ResponseWriter, r *http.Request) {
	if s.EvalLog == nil {
		writeError(w, http.StatusServiceUnavailable, "evaluation log disabled")
		return
	}
	limit := defaultEvalLimit
	if v := strings.TrimSpace(r.URL.Query().Get("limit")); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			writeError(w, http.StatusBadRequest, "limit must be a positive integer")
			return
		}
		limit = min(n, maxEvalLimit)
	}

	records, err := s.EvalLog.List(r.Context(), r.PathValue("tenant"), r.URL.Query().Get("session"), limit)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	if records == nil {
		records = []domain.EvaluationRecord{}
	}
	writeJSON(w, http.StatusOK, records)
}

func (s *Server) handleGetSession(w http.ResponseWriter, r *http.Request) {
	if s.Sessions == nil {
		writeError(w, http.StatusServiceUnavailable, "sessions unavailable")
		return
	}
	state, err := s.Sessions.Snapshot(r.Context(), r.PathValue("tenant"), r.PathValue("session"))
	if err != nil {
		if errors.Is(err, domain.ErrSessionNotFound) {
			writeDomainError(w, err)
			return
		}
		writeError(w, http.StatusServiceUnavailable, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, state)
}

func (s *Server) handleDeleteSession(w http.ResponseWriter, r *http.Request) {
	if s.Sessions == nil {
		writeError(w, http.StatusServiceUnavailable, "sessions unavailable")
		return
	}
	if !s.Sessions.Delete(r.PathValue("tenant"), r.PathValue("session")) {
		writeDomainError(w, domain.NewDomainError("channel.DeleteSession", domain.ErrSessionNotFound, r.PathValue("session")))
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
