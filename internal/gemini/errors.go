/*
 * Copyright (c) 2025 by Alexander Drost, Oldenburg, Germany.
 * This file is licensed to you under the Apache License, Version 2.0 (the "License"); you may not use this file except
 * in compliance with the License.  You may obtain a copy of the License at
 *   http://www.apache.org/licenses/LICENSE-2.0
 * Unless required by applicable law or agreed to in writing, software distributed under the License is distributed on an
 * "AS IS" BASIS, WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.  See the License for the
 *  specific language governing permissions and limitations under the License.
 */

package gemini

import (
	"errors"
	"fmt"
)

// Kind classifies a generation failure so callers can distinguish local
// validation problems from remote API failures.
type Kind int

const (
	// KindInvalidPrompt covers empty and over-long prompts.
	KindInvalidPrompt Kind = iota
	// KindTooManyReferences is returned when the attachment cap is exceeded.
	KindTooManyReferences
	// KindOriginalNotFound means the image to rework does not exist.
	KindOriginalNotFound
	// KindAPI wraps any failure of the remote call itself.
	KindAPI
	// KindNoImage means the call succeeded but produced no image payload.
	KindNoImage
)

func (k Kind) String() string {
	switch k {
	case KindInvalidPrompt:
		return "invalid prompt"
	case KindTooManyReferences:
		return "too many references"
	case KindOriginalNotFound:
		return "original not found"
	case KindAPI:
		return "api error"
	case KindNoImage:
		return "no image produced"
	}
	return "unknown"
}

// GenerationError is the error type returned by all generation operations.
type GenerationError struct {
	Kind Kind
	Msg  string
	Err  error
}

func (e *GenerationError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Msg, e.Err)
	}
	return e.Msg
}

func (e *GenerationError) Unwrap() error { return e.Err }

func invalidPrompt(msg string) error {
	return &GenerationError{Kind: KindInvalidPrompt, Msg: msg}
}

func tooManyReferences(count int) error {
	return &GenerationError{
		Kind: KindTooManyReferences,
		Msg:  fmt.Sprintf("too many reference images: %d (max %d)", count, MaxReferenceImages),
	}
}

func originalNotFound(path string) error {
	return &GenerationError{Kind: KindOriginalNotFound, Msg: fmt.Sprintf("original image not found: %s", path)}
}

func apiError(err error) error {
	return &GenerationError{Kind: KindAPI, Msg: "gemini api error", Err: err}
}

func noImageProduced() error {
	return &GenerationError{Kind: KindNoImage, Msg: "no image was generated"}
}

// ErrorKind extracts the Kind from a generation error; ok is false for
// foreign errors.
func ErrorKind(err error) (Kind, bool) {
	var ge *GenerationError
	if errors.As(err, &ge) {
		return ge.Kind, true
	}
	return 0, false
}

// IsAPIError reports whether err was caused by the remote call failing, as
// opposed to local validation or an empty result.
func IsAPIError(err error) bool {
	k, ok := ErrorKind(err)
	return ok && k == KindAPI
}
