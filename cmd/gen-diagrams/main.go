// gen-diagrams generates sample diagram outputs for README documentation.
// Run: go run ./cmd/gen-diagrams
package main

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/botflow-dev/botflow/internal/diagram"
	"github.com/botflow-dev/botflow/pkg/schema"
)

func main() {
	// Order bot: event → stock branch → two replies → delay → follow-up.
	def := &schema.FlowDefinition{
		ID:   "order-bot",
		Name: "Order Bot",
		Blocks: []schema.Block{
			{ID: "on-order", Kind: schema.BlockKindEvent, Name: "On Order",
				Config: mustJSON(schema.EventConfig{
					Patterns: []schema.Pattern{
						{ID: "p1", Kind: schema.MatchContains, Text: "order", Weight: 1, Enabled: true},
					},
				})},
			{ID: "check-stock", Kind: schema.BlockKindBranch, Name: "In Stock?",
				Config: mustJSON(schema.BranchConfig{
					Guard: schema.GuardExpression{
						Source: schema.GuardSourceVariable, Variable: "stock",
						Operator: schema.OpGreater, Value: "0",
					},
				})},
			{ID: "confirm", Kind: schema.BlockKindReply, Name: "Confirm",
				Config: mustJSON(schema.ReplyConfig{Text: "Your order is confirmed!"})},
			{ID: "sold-out", Kind: schema.BlockKindReply, Name: "Sold Out",
				Config: mustJSON(schema.ReplyConfig{Text: "Sorry, that item is sold out."})},
			{ID: "pause", Kind: schema.BlockKindDelay, Name: "Typing Pause",
				Config: mustJSON(schema.DelayConfig{Duration: 2, Unit: schema.UnitSeconds})},
			{ID: "follow-up", Kind: schema.BlockKindReply, Name: "Follow Up",
				Config: mustJSON(schema.ReplyConfig{Text: "Anything else I can help with?"})},
		},
		Connections: []schema.Connection{
			{ID: "c1", SourceID: "on-order", TargetID: "check-stock", Kind: schema.EdgeSequential, Active: true},
			{ID: "c2", SourceID: "check-stock", TargetID: "confirm", Kind: schema.EdgeTrueBranch, Active: true},
			{ID: "c3", SourceID: "check-stock", TargetID: "sold-out", Kind: schema.EdgeFalseBranch, Active: true},
			{ID: "c4", SourceID: "confirm", TargetID: "pause", Kind: schema.EdgeSequential, Active: true},
			{ID: "c5", SourceID: "pause", TargetID: "follow-up", Kind: schema.EdgeSequential, Active: true},
		},
	}

	model, err := diagram.Build(def)
	if err != nil {
		fmt.Fprintf(os.Stderr, "build error: %v\n", err)
		os.Exit(1)
	}

	outDir := filepath.Join("docs", "assets")
	os.MkdirAll(outDir, 0o755)

	// Mermaid
	mermaid := diagram.RenderMermaid(model)
	os.WriteFile(filepath.Join(outDir, "diagram-mermaid.md"), []byte("```mermaid\n"+mermaid+"\n```\n"), 0o644)
	fmt.Println("=== Mermaid ===")
	fmt.Println(mermaid)

	// Image (PNG)
	png, imgErr := diagram.RenderImage(model)
	if imgErr != nil {
		fmt.Fprintf(os.Stderr, "image error: %v\n", imgErr)
	} else {
		pngPath := filepath.Join(outDir, "diagram-sample.png")
		os.WriteFile(pngPath, png, 0o644)
		fmt.Printf("=== Image (PNG) ===\nWritten: %s (%d bytes)\n", pngPath, len(png))
	}
}

func mustJSON(v any) json.RawMessage {
	data, _ := json.Marshal(v)
	return data
}
