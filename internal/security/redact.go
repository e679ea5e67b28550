// Package security strips secrets from outbound text.
package security

import (
	"fmt"
	"strings"

	"github.com/zricethezav/gitleaks/v8/detect"
)

// Redactor detects and masks secrets in text before it leaves the
// process. Error reports can embed raw API responses, which in turn
// can echo credentials back.
type Redactor struct {
	detector *detect.Detector

	// extra holds known-sensitive values masked unconditionally,
	// such as the configured API keys.
	extra []string
}

// NewRedactor creates a Redactor with the default detection rules.
// Known secret values may be passed so they are masked even when no
// rule matches them.
func NewRedactor(knownSecrets ...string) (*Redactor, error) {
	detector, err := detect.NewDetectorDefaultConfig()
	if err != nil {
		return nil, fmt.Errorf("failed to load detection rules: %w", err)
	}

	var extra []string

	for _, s := range knownSecrets {
		if s != "" {
			extra = append(extra, s)
		}
	}

	return &Redactor{detector: detector, extra: extra}, nil
}

// Redact returns text with every detected secret replaced by a mask.
func (r *Redactor) Redact(text string) string {
	if text == "" {
		return text
	}

	for _, secret := range r.extra {
		text = strings.ReplaceAll(text, secret, mask(secret))
	}

	for _, finding := range r.detector.DetectString(text) {
		if finding.Secret == "" {
			continue
		}

		text = strings.ReplaceAll(text, finding.Secret, mask(finding.Secret))
	}

	return text
}

// mask keeps a short prefix so operators can tell which credential
// leaked without seeing it.
func mask(secret string) string {
	const keep = 4

	if len(secret) <= keep {
		return "****"
	}

	return secret[:keep] + strings.Repeat("*", len(secret)-keep)
}
