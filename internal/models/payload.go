package models

import (
	"encoding/json"
	"fmt"
)

// DiscoverPayload asks a discover worker to run one search query.
type DiscoverPayload struct {
	Query   string `json:"query"`
	Country string `json:"country"`
	Niche   string `json:"niche"`
}

// ExtractPayload asks an extract worker to pull emails from one page.
type ExtractPayload struct {
	URL         string `json:"url"`
	CompanyName string `json:"company_name"`
	Niche       string `json:"niche"`
}

// GeneratePayload asks a generate worker to synthesize fallback
// addresses for a domain that yielded no natural emails.
type GeneratePayload struct {
	Domain      string `json:"domain"`
	CompanyName string `json:"company_name"`
	Niche       string `json:"niche"`
}

// DiscoverPayload decodes the payload of a discover task.
func (t Task) DiscoverPayload() (DiscoverPayload, error) {
	var p DiscoverPayload
	if err := t.decodePayload(TaskDiscover, &p); err != nil {
		return DiscoverPayload{}, err
	}
	return p, nil
}

// ExtractPayload decodes the payload of an extract task.
func (t Task) ExtractPayload() (ExtractPayload, error) {
	var p ExtractPayload
	if err := t.decodePayload(TaskExtract, &p); err != nil {
		return ExtractPayload{}, err
	}
	return p, nil
}

// GeneratePayload decodes the payload of a generate task.
func (t Task) GeneratePayload() (GeneratePayload, error) {
	var p GeneratePayload
	if err := t.decodePayload(TaskGenerate, &p); err != nil {
		return GeneratePayload{}, err
	}
	return p, nil
}

func (t Task) decodePayload(want TaskType, into any) error {
	if t.Type != want {
		return fmt.Errorf("task %s is %s, not %s", t.ID, t.Type, want)
	}
	if err := json.Unmarshal(t.Payload, into); err != nil {
		return fmt.Errorf("decode %s payload: %w", want, err)
	}
	return nil
}
