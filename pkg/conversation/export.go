package conversation

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// ExportFormat specifies the conversation export format.
type ExportFormat string

const (
	ExportMarkdown ExportFormat = "markdown"
	ExportJSON     ExportFormat = "json"
)

// ExportOptions configures export behavior.
type ExportOptions struct {
	Format           ExportFormat
	IncludeArtifacts bool
	IncludeMetadata  bool
}

// Export serializes the conversation snapshot. The export tool that turns
// artifacts into downloadable bundles consumes this output; the store only
// hands over the read-only snapshot.
func (s *Store) Export(opts ExportOptions) ([]byte, error) {
	if opts.Format == "" {
		opts.Format = ExportMarkdown
	}

	snapshot := s.Snapshot()

	switch opts.Format {
	case ExportJSON:
		return exportJSON(s.projectID, snapshot, opts)
	case ExportMarkdown:
		return exportMarkdown(s.projectID, snapshot, opts)
	default:
		return nil, fmt.Errorf("unsupported export format: %s", opts.Format)
	}
}

type exportDocument struct {
	ProjectID  string          `json:"projectId"`
	ExportedAt time.Time       `json:"exportedAt"`
	Messages   []exportMessage `json:"messages"`
}

type exportMessage struct {
	ID        string    `json:"id"`
	Role      string    `json:"role"`
	Content   string    `json:"content"`
	CreatedAt time.Time `json:"createdAt"`
	Mode      string    `json:"mode,omitempty"`
	Status    string    `json:"status"`
	Artifact  string    `json:"artifact,omitempty"`
	Rating    string    `json:"rating,omitempty"`
	FromCache bool      `json:"fromCache,omitempty"`
	Tokens    int       `json:"tokensUsed,omitempty"`
	LatencyMs int       `json:"responseTimeMs,omitempty"`
}

func exportJSON(projectID string, snapshot []Message, opts ExportOptions) ([]byte, error) {
	doc := exportDocument{
		ProjectID:  projectID,
		ExportedAt: time.Now(),
		Messages:   make([]exportMessage, 0, len(snapshot)),
	}
	for _, msg := range snapshot {
		out := exportMessage{
			ID:        msg.ID,
			Role:      string(msg.Role),
			Content:   msg.Content,
			CreatedAt: msg.CreatedAt,
			Mode:      string(msg.Mode),
			Status:    string(msg.Status),
		}
		if opts.IncludeArtifacts {
			out.Artifact = msg.Artifact
		}
		if opts.IncludeMetadata {
			out.Rating = string(msg.Rating)
			out.FromCache = msg.FromCache
			if msg.Metrics != nil {
				out.Tokens = msg.Metrics.TokensUsed
				out.LatencyMs = msg.Metrics.ResponseTimeMs
			}
		}
		doc.Messages = append(doc.Messages, out)
	}
	return json.MarshalIndent(doc, "", "  ")
}

func exportMarkdown(projectID string, snapshot []Message, opts ExportOptions) ([]byte, error) {
	var sb strings.Builder

	sb.WriteString(fmt.Sprintf("# Conversation — %s\n\n", projectID))
	sb.WriteString(fmt.Sprintf("Exported %s\n\n", time.Now().Format(time.RFC3339)))

	for _, msg := range snapshot {
		header := "User"
		if msg.Role == RoleAssistant {
			header = "Assistant"
		}
		sb.WriteString(fmt.Sprintf("## %s — %s\n\n", header, msg.CreatedAt.Format(time.RFC3339)))

		if msg.Status == StatusFailed {
			reason := msg.FailReason
			if reason == "" {
				reason = "unknown"
			}
			sb.WriteString(fmt.Sprintf("_Failed: %s_\n\n", reason))
		}

		if strings.TrimSpace(msg.Content) != "" {
			sb.WriteString(msg.Content)
			sb.WriteString("\n\n")
		}

		if opts.IncludeArtifacts && strings.TrimSpace(msg.Artifact) != "" {
			sb.WriteString("```html\n")
			sb.WriteString(msg.Artifact)
			if !strings.HasSuffix(msg.Artifact, "\n") {
				sb.WriteString("\n")
			}
			sb.WriteString("```\n\n")
		}

		if opts.IncludeMetadata && msg.Metrics != nil {
			sb.WriteString(fmt.Sprintf("_%d tokens, %dms_\n\n", msg.Metrics.TokensUsed, msg.Metrics.ResponseTimeMs))
		}
	}

	return []byte(sb.String()), nil
}
