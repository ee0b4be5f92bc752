// Copyright 2026 The Xnode Manager Authors
// SPDX-License-Identifier: Apache-2.0

// Package output models bytes produced by an external process.
//
// Process output is not guaranteed to be UTF-8: journal excerpts and
// build logs routinely carry binary fragments. An Output is therefore
// one of two variants, Text or Bytes, decided by whether the raw bytes
// are valid UTF-8. The raw bytes are always retained, so a caller never
// loses data because decoding failed.
//
// The JSON form is externally tagged:
//
//	{"UTF8":{"output":"hello\n"}}
//	{"Bytes":{"output":[255,0,10]}}
package output

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"unicode/utf8"
)

// Kind identifies which variant an Output holds.
type Kind int

const (
	// Text is output that decoded as UTF-8.
	Text Kind = iota
	// Bytes is output that did not decode as UTF-8.
	Bytes
)

func (k Kind) String() string {
	switch k {
	case Text:
		return "UTF8"
	case Bytes:
		return "Bytes"
	default:
		return fmt.Sprintf("Kind(%d)", int(k))
	}
}

// Output is raw process output classified as Text or Bytes.
// The zero value is empty Text.
type Output struct {
	raw []byte
}

// New wraps raw. The slice is not copied.
func New(raw []byte) Output {
	return Output{raw: raw}
}

// FromString returns a Text output.
func FromString(text string) Output {
	return Output{raw: []byte(text)}
}

// Kind reports whether the output is Text or Bytes.
func (o Output) Kind() Kind {
	if utf8.Valid(o.raw) {
		return Text
	}
	return Bytes
}

// Bytes returns the raw bytes regardless of variant.
func (o Output) Bytes() []byte {
	return o.raw
}

// Text returns the decoded string and true for the Text variant, or
// an empty string and false for Bytes.
func (o Output) Text() (string, bool) {
	if o.Kind() != Text {
		return "", false
	}
	return string(o.raw), true
}

// Len returns the number of raw bytes.
func (o Output) Len() int {
	return len(o.raw)
}

// Tail returns an Output holding at most the last n bytes. Truncation
// may split a multi-byte rune, in which case the result is Bytes.
func (o Output) Tail(n int) Output {
	if n < 0 || len(o.raw) <= n {
		return o
	}
	return Output{raw: o.raw[len(o.raw)-n:]}
}

// TrimSpace returns the output with leading and trailing ASCII
// whitespace removed.
func (o Output) TrimSpace() Output {
	return Output{raw: bytes.TrimSpace(o.raw)}
}

// String renders the output for messages and logs. Text is returned
// verbatim; Bytes is rendered as a byte list with a marker so that the
// reader knows decoding failed.
func (o Output) String() string {
	if text, ok := o.Text(); ok {
		return text
	}
	return fmt.Sprintf("output could not be decoded as UTF-8: %v", o.raw)
}

type textForm struct {
	Output string `json:"output"`
}

type bytesForm struct {
	Output []int `json:"output"`
}

type taggedForm struct {
	UTF8  *textForm  `json:"UTF8,omitempty"`
	Bytes *bytesForm `json:"Bytes,omitempty"`
}

// MarshalJSON encodes the externally tagged form. Bytes are written
// as an array of numbers rather than base64 so the form is identical
// to what non-Go clients of the API already parse.
func (o Output) MarshalJSON() ([]byte, error) {
	if text, ok := o.Text(); ok {
		return json.Marshal(taggedForm{UTF8: &textForm{Output: text}})
	}
	numbers := make([]int, len(o.raw))
	for index, value := range o.raw {
		numbers[index] = int(value)
	}
	return json.Marshal(taggedForm{Bytes: &bytesForm{Output: numbers}})
}

// UnmarshalJSON decodes the externally tagged form.
func (o *Output) UnmarshalJSON(data []byte) error {
	var form taggedForm
	if err := json.Unmarshal(data, &form); err != nil {
		return fmt.Errorf("decoding output: %w", err)
	}
	switch {
	case form.UTF8 != nil && form.Bytes == nil:
		o.raw = []byte(form.UTF8.Output)
	case form.Bytes != nil && form.UTF8 == nil:
		raw := make([]byte, len(form.Bytes.Output))
		for index, value := range form.Bytes.Output {
			if value < 0 || value > 255 {
				return fmt.Errorf("decoding output: byte %d out of range: %d", index, value)
			}
			raw[index] = byte(value)
		}
		o.raw = raw
	default:
		return errors.New("decoding output: exactly one of UTF8 or Bytes must be set")
	}
	return nil
}
