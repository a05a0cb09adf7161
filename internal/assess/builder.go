// Package assess builds LLM assessment requests and parses their verdicts.
package assess

import (
	"errors"
	"fmt"
	"strings"

	"assessment-runner/internal/dispatch"
	"assessment-runner/internal/models"
)

const systemPrompt = "You are a teacher marking a student's slide against the reference answer. " +
	"Score three criteria from 0 to 5: completeness (how much of the reference is covered), " +
	"accuracy (how correct the content is) and spag (spelling, punctuation and grammar). " +
	"Give a one or two sentence reasoning for each score. " +
	"Return ONLY a JSON object with keys completeness, accuracy and spag, " +
	"each holding {\"score\": number, \"reasoning\": string}."

// ErrMissingImageURL is returned when an image task is built without uploaded URLs.
var ErrMissingImageURL = errors.New("assess: image task requires reference and submission urls")

// Builder turns a student-task pair into a chat/completions request.
type Builder struct {
	url         string
	apiKey      string
	model       string
	temperature float64
}

func NewBuilder(url, apiKey, model string, temperature float64) *Builder {
	return &Builder{url: url, apiKey: apiKey, model: model, temperature: temperature}
}

// Input is everything needed to assess one pair.
// ReferenceURL and SubmissionURL are only read for image tasks.
type Input struct {
	Task          models.Task
	StudentID     string
	Submission    []byte
	ReferenceURL  string
	SubmissionURL string
}

// Request builds the outbound request. The request id is "<student>/<task>".
func (b *Builder) Request(in Input) (dispatch.Request, error) {
	var user any
	if in.Task.IsImage() {
		if in.ReferenceURL == "" || in.SubmissionURL == "" {
			return dispatch.Request{}, fmt.Errorf("task %s: %w", in.Task.ID, ErrMissingImageURL)
		}
		user = []map[string]any{
			{"type": "text", "text": taskHeader(in.Task) + "The first image is the reference answer, the second is the student's response."},
			{"type": "image_url", "image_url": map[string]any{"url": in.ReferenceURL}},
			{"type": "image_url", "image_url": map[string]any{"url": in.SubmissionURL}},
		}
	} else {
		user = textPrompt(in.Task, in.Submission)
	}

	body := map[string]any{
		"model":           b.model,
		"temperature":     b.temperature,
		"response_format": map[string]any{"type": "json_object"},
		"messages": []map[string]any{
			{"role": "system", "content": systemPrompt},
			{"role": "user", "content": user},
		},
	}
	opts := []dispatch.RequestOption{dispatch.WithID(in.StudentID + "/" + in.Task.ID)}
	if b.apiKey != "" {
		opts = append(opts, dispatch.WithHeader("Authorization", "Bearer "+b.apiKey))
	}
	return dispatch.NewJSONRequest(b.url, body, opts...)
}

func taskHeader(t models.Task) string {
	var sb strings.Builder
	sb.WriteString("Task: ")
	sb.WriteString(t.Title)
	sb.WriteString("\n")
	if t.Notes != "" {
		sb.WriteString("Marking notes: ")
		sb.WriteString(t.Notes)
		sb.WriteString("\n")
	}
	return sb.String()
}

func textPrompt(t models.Task, submission []byte) string {
	kind := "text"
	if t.Type == models.TaskTable {
		kind = "table (markdown)"
	}
	var sb strings.Builder
	sb.WriteString(taskHeader(t))
	sb.WriteString("Content type: ")
	sb.WriteString(kind)
	sb.WriteString("\n\nReference answer:\n")
	sb.Write(t.Reference)
	sb.WriteString("\n\nStudent response:\n")
	sb.Write(submission)
	return sb.String()
}
