/*
 * Copyright (c) 2025 by Alexander Drost, Oldenburg, Germany.
 * This file is licensed to you under the Apache License, Version 2.0 (the "License"); you may not use this file except
 * in compliance with the License.  You may obtain a copy of the License at
 *   http://www.apache.org/licenses/LICENSE-2.0
 * Unless required by applicable law or agreed to in writing, software distributed under the License is distributed on an
 * "AS IS" BASIS, WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.  See the License for the
 *  specific language governing permissions and limitations under the License.
 */

// Package usage models token accounting for generation calls: the per-call
// Usage record reported by the API and the additive per-model Ledger
// persisted in the global configuration. Counters only ever reflect what the
// API reported; nothing is estimated beyond deriving total = prompt + output
// when only those two are present.
package usage

import (
	"fmt"
	"sort"
	"time"
)

// Usage holds the counters reported for a single generation call.
// A zero field means the API did not report that counter.
type Usage struct {
	Model string

	PromptTokens int64
	OutputTokens int64
	TotalTokens  int64

	// Modality breakdown, when the API provides one.
	PromptTextTokens  int64
	PromptImageTokens int64
	OutputTextTokens  int64
	OutputImageTokens int64
	ThoughtsTokens    int64

	// Cost is stored verbatim if the API ever reports one; never computed.
	Cost string
}

// Empty reports whether no counter was reported at all.
func (u Usage) Empty() bool {
	return u.PromptTokens == 0 && u.OutputTokens == 0 && u.TotalTokens == 0 &&
		u.PromptTextTokens == 0 && u.PromptImageTokens == 0 &&
		u.OutputTextTokens == 0 && u.OutputImageTokens == 0 &&
		u.ThoughtsTokens == 0 && u.Cost == ""
}

// Normalized returns a copy with the total derived from prompt + output when
// the API reported both but no total.
func (u Usage) Normalized() Usage {
	if u.TotalTokens == 0 && u.PromptTokens > 0 && u.OutputTokens > 0 {
		u.TotalTokens = u.PromptTokens + u.OutputTokens
	}
	return u
}

// Counters is the additive per-model accumulator persisted as JSON.
type Counters struct {
	PromptTokens      int64 `json:"prompt_tokens"`
	OutputTokens      int64 `json:"output_tokens"`
	TotalTokens       int64 `json:"total_tokens"`
	PromptTextTokens  int64 `json:"prompt_text_tokens"`
	PromptImageTokens int64 `json:"prompt_image_tokens"`
	OutputTextTokens  int64 `json:"output_text_tokens"`
	OutputImageTokens int64 `json:"output_image_tokens"`
	ThoughtsTokens    int64 `json:"thoughts_tokens"`
}

func (c *Counters) add(u Usage) {
	c.PromptTokens += u.PromptTokens
	c.OutputTokens += u.OutputTokens
	c.TotalTokens += u.TotalTokens
	c.PromptTextTokens += u.PromptTextTokens
	c.PromptImageTokens += u.PromptImageTokens
	c.OutputTextTokens += u.OutputTextTokens
	c.OutputImageTokens += u.OutputImageTokens
	c.ThoughtsTokens += u.ThoughtsTokens
}

// Ledger is the lifetime accumulator keyed by model. Counters only increase,
// except on Reset which zeroes everything and restarts the clock.
type Ledger struct {
	Since  string              `json:"since,omitempty"`
	Models map[string]Counters `json:"models,omitempty"`
	Cost   string              `json:"cost,omitempty"`

	allowed map[string]struct{}
}

// ErrUnsupportedModel is wrapped in the error returned by Record for models
// outside the allow-list.
var ErrUnsupportedModel = fmt.Errorf("unsupported model for usage tracking")

// SetAllowList restricts Record to the given model identifiers.
// An empty list accepts nothing.
func (l *Ledger) SetAllowList(models []string) {
	l.allowed = make(map[string]struct{}, len(models))
	for _, m := range models {
		l.allowed[m] = struct{}{}
	}
}

// AllowedModels returns the allow-list in sorted order.
func (l *Ledger) AllowedModels() []string {
	out := make([]string, 0, len(l.allowed))
	for m := range l.allowed {
		out = append(out, m)
	}
	sort.Strings(out)
	return out
}

// Record adds a call's counters to the model's accumulator. The usage is
// normalized first, so a missing total becomes prompt + output. Recording an
// entirely empty usage is a no-op.
func (l *Ledger) Record(u Usage) error {
	if _, ok := l.allowed[u.Model]; !ok {
		return fmt.Errorf("%w: %q (supported: %v)", ErrUnsupportedModel, u.Model, l.AllowedModels())
	}
	u = u.Normalized()
	if u.Empty() {
		return nil
	}
	if l.Since == "" {
		l.Since = time.Now().UTC().Format(time.RFC3339)
	}
	if l.Models == nil {
		l.Models = make(map[string]Counters)
	}
	c := l.Models[u.Model]
	c.add(u)
	l.Models[u.Model] = c
	if u.Cost != "" {
		l.Cost = u.Cost
	}
	return nil
}

// Reset zeroes all counters and stamps a new since timestamp.
func (l *Ledger) Reset(now time.Time) {
	l.Since = now.UTC().Format(time.RFC3339)
	l.Models = make(map[string]Counters)
	l.Cost = ""
}

// Totals aggregates the counters across all models.
func (l *Ledger) Totals() Counters {
	var t Counters
	for _, c := range l.Models {
		t.PromptTokens += c.PromptTokens
		t.OutputTokens += c.OutputTokens
		t.TotalTokens += c.TotalTokens
		t.PromptTextTokens += c.PromptTextTokens
		t.PromptImageTokens += c.PromptImageTokens
		t.OutputTextTokens += c.OutputTextTokens
		t.OutputImageTokens += c.OutputImageTokens
		t.ThoughtsTokens += c.ThoughtsTokens
	}
	return t
}
