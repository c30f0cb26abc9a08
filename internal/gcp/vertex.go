package gcp

import (
	"context"
	"fmt"

	"cloud.google.com/go/vertexai/genai"
)

// --- Paper assistant prompts ---

const PaperSystemPrompt = "You are an expert academic translator and analyst. You are given the full text of an academic paper as a PDF at the start of the conversation. Every later request refers to that paper. Accuracy, detail, and information preservation are of utmost importance. Always answer in the exact format each request asks for."

const ContextPrimingPrompt = `The attached PDF is the academic paper we will work on for the rest of this conversation. Read it carefully. Reply with the single word "ready" once you have taken it in. Do not summarize or translate anything yet.`

const ExtractMetadataPrompt = `Extract the bibliographic metadata and the chapter structure of the paper.

Respond with a single JSON object and nothing else, in exactly this shape:
{
  "metadata": {
    "title": "...",
    "authors": [{"name": "...", "affiliation": "..."}],
    "year": "...",
    "journal": "...",
    "doi": "...",
    "keywords": ["..."],
    "abstract": "..."
  },
  "chapters": [
    {"chapter_number": 1, "title": "Introduction", "title_ja": "はじめに", "start_page": 1, "end_page": 3}
  ]
}

Chapter numbers must follow the paper's own numbering. "title_ja" is the Japanese translation of the chapter title. Page numbers refer to the PDF's physical pages. If a field is unknown, use an empty string or empty array.`

const TranslateChapterPromptTemplate = `Translate chapter %d ("%s", pages %d-%d of the PDF) into Japanese.

Respond with a single JSON object and nothing else:
{"translated_text": "<the full translation as simple HTML>"}

Rules for the HTML: use <h2> for the chapter heading, <h3> for subsection headings, <p> for paragraphs, and <ul>/<ol>/<li>, <table>/<tr>/<th>/<td>, <em>, <strong>, <sub>, <sup> where the source uses them. Replace every figure with a short Japanese description in square brackets. Do not translate the bibliography; replace a references section with the single line [参考文献は省略されました]. Preserve all technical content faithfully.`

const SummarizeChapterPromptTemplate = `Summarize chapter %d ("%s") of the paper in Japanese for a graduate student who has not read it.

Respond with a single JSON object and nothing else:
{"summary": "<3-6 sentence Japanese summary>", "required_knowledge": "<1-2 sentences on the background knowledge needed to follow this chapter>"}`

// VertexClient wraps the Vertex AI client and hands out generative models
// pre-configured for the paper assistant conversation.
type VertexClient struct {
	baseClient *genai.Client
	modelName  string
}

// NewVertexClient creates the shared Vertex AI client.
func NewVertexClient(ctx context.Context, projectID, region, modelName string) (*VertexClient, error) {
	if projectID == "" || region == "" {
		return nil, fmt.Errorf("NewVertexClient: projectID and region cannot be empty")
	}
	if modelName == "" {
		modelName = "gemini-1.5-pro"
	}

	baseClient, err := genai.NewClient(ctx, projectID, region)
	if err != nil {
		return nil, fmt.Errorf("genai.NewClient: %w", err)
	}

	return &VertexClient{baseClient: baseClient, modelName: modelName}, nil
}

// NewPaperModel returns a generative model configured for a per-document
// conversation. Each document context gets its own instance so generation
// parameters can be adjusted per call without racing other documents.
func (c *VertexClient) NewPaperModel() *genai.GenerativeModel {
	model := c.baseClient.GenerativeModel(c.modelName)
	model.SystemInstruction = &genai.Content{
		Parts: []genai.Part{genai.Text(PaperSystemPrompt)},
	}
	model.SafetySettings = []*genai.SafetySetting{
		{Category: genai.HarmCategoryHateSpeech, Threshold: genai.HarmBlockOnlyHigh},
		{Category: genai.HarmCategoryDangerousContent, Threshold: genai.HarmBlockOnlyHigh},
		{Category: genai.HarmCategorySexuallyExplicit, Threshold: genai.HarmBlockOnlyHigh},
		{Category: genai.HarmCategoryHarassment, Threshold: genai.HarmBlockOnlyHigh},
	}
	return model
}

func (c *VertexClient) Close() error {
	if c.baseClient != nil {
		return c.baseClient.Close()
	}
	return nil
}
