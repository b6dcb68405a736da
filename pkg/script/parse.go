// Package script turns a raw model response into a validated build script.
// Parsing extracts the tagged sections and code fences a model emits;
// validation checks the decoded command list against the template's palette
// and legal build region. Both fail permanently: a malformed response will
// not fix itself on retry.
package script

import (
	"regexp"
	"strings"

	"github.com/voxelbench/voxelbench/pkg/pipeline"
)

// Parsed is the structured content of a model response. Code is mandatory;
// the narrative sections are kept for the audit trail.
type Parsed struct {
	Code        string `json:"code"`
	Inspiration string `json:"inspiration,omitempty"`
	Description string `json:"description,omitempty"`
}

var (
	codeTagRe        = regexp.MustCompile(`(?s)<code>(.*?)</code>`)
	inspirationTagRe = regexp.MustCompile(`(?s)<inspiration>(.*?)</inspiration>`)
	descriptionTagRe = regexp.MustCompile(`(?s)<description>(.*?)</description>`)
	fenceRe          = regexp.MustCompile("(?s)```[a-zA-Z0-9_-]*\n(.*?)```")
)

// ParseResponse extracts the build code and narrative sections from a raw
// model response. Code is taken from a <code> tag first; if the tag is
// absent, the first fenced code block is used. A response with neither is a
// permanent failure.
func ParseResponse(raw string) (*Parsed, error) {
	p := &Parsed{
		Inspiration: extractTag(inspirationTagRe, raw),
		Description: extractTag(descriptionTagRe, raw),
	}

	if code := extractTag(codeTagRe, raw); code != "" {
		// The tag body may itself wrap the code in a fence.
		if fenced := extractTag(fenceRe, code); fenced != "" {
			code = fenced
		}
		p.Code = code
		return p, nil
	}

	if code := extractTag(fenceRe, raw); code != "" {
		p.Code = code
		return p, nil
	}

	return nil, pipeline.Permanentf("response contains no code section")
}

func extractTag(re *regexp.Regexp, s string) string {
	m := re.FindStringSubmatch(s)
	if len(m) < 2 {
		return ""
	}
	return strings.TrimSpace(m[1])
}
