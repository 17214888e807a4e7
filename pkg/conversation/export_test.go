package conversation

import (
	"encoding/json"
	"strings"
	"testing"

	"github.com/odvcencio/sitesmith/pkg/wire"
)

func populated(t *testing.T) *Store {
	t.Helper()
	store := New("proj-export")
	user := store.AppendUserMessage("Build a landing page", wire.ModePlain)
	placeholder, _ := store.AppendAssistantPlaceholder(user.ID)
	store.ResolveAssistant(placeholder.ID, Resolution{
		Content:  "Done, here's your landing page.",
		Artifact: "<html>landing</html>",
		Metrics:  &Metrics{TokensUsed: 800, ResponseTimeMs: 5000},
	})
	return store
}

func TestExportJSON(t *testing.T) {
	store := populated(t)

	data, err := store.Export(ExportOptions{Format: ExportJSON, IncludeArtifacts: true, IncludeMetadata: true})
	if err != nil {
		t.Fatalf("Export failed: %v", err)
	}

	var doc struct {
		ProjectID string `json:"projectId"`
		Messages  []struct {
			Role     string `json:"role"`
			Artifact string `json:"artifact"`
			Tokens   int    `json:"tokensUsed"`
		} `json:"messages"`
	}
	if err := json.Unmarshal(data, &doc); err != nil {
		t.Fatalf("export is not valid JSON: %v", err)
	}
	if doc.ProjectID != "proj-export" {
		t.Errorf("project id = %s", doc.ProjectID)
	}
	if len(doc.Messages) != 2 {
		t.Fatalf("exported %d messages, want 2", len(doc.Messages))
	}
	if doc.Messages[1].Artifact != "<html>landing</html>" {
		t.Errorf("artifact missing from export: %+v", doc.Messages[1])
	}
	if doc.Messages[1].Tokens != 800 {
		t.Errorf("metadata missing from export: %+v", doc.Messages[1])
	}
}

func TestExportJSONExcludesArtifactsByDefault(t *testing.T) {
	store := populated(t)

	data, err := store.Export(ExportOptions{Format: ExportJSON})
	if err != nil {
		t.Fatalf("Export failed: %v", err)
	}
	if strings.Contains(string(data), "<html>landing</html>") {
		t.Error("artifact should be excluded unless requested")
	}
}

func TestExportMarkdown(t *testing.T) {
	store := populated(t)

	data, err := store.Export(ExportOptions{Format: ExportMarkdown, IncludeArtifacts: true})
	if err != nil {
		t.Fatalf("Export failed: %v", err)
	}
	text := string(data)

	if !strings.Contains(text, "# Conversation — proj-export") {
		t.Error("missing header")
	}
	if !strings.Contains(text, "## User") || !strings.Contains(text, "## Assistant") {
		t.Error("missing role sections")
	}
	if !strings.Contains(text, "```html") {
		t.Error("artifact code fence missing")
	}
}

func TestExportUnknownFormat(t *testing.T) {
	store := populated(t)
	if _, err := store.Export(ExportOptions{Format: "pdf"}); err == nil {
		t.Error("expected error for unsupported format")
	}
}

func TestExportDefaultsToMarkdown(t *testing.T) {
	store := populated(t)
	data, err := store.Export(ExportOptions{})
	if err != nil {
		t.Fatalf("Export failed: %v", err)
	}
	if !strings.HasPrefix(string(data), "# Conversation") {
		t.Error("default format should be markdown")
	}
}
