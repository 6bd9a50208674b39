// Copyright 2025 Tom Barlow
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package stall

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"

	"github.com/itchyny/gojq"
)

// JQClassifier builds a NoProgressConfig.Classify function from two jq
// expressions evaluated against the probe's decoded JSON stdout: classExpr
// must yield one of "progressing"/"stalled"/"terminal", summaryExpr yields
// the value whose stable digest feeds the consecutive-equal-digest counter.
// Mirrors internal/jq's parse-then-compile-then-run shape, reduced to a
// single-result evaluation since a probe classification is scalar.
type JQClassifier struct {
	classQuery   *gojq.Code
	summaryQuery *gojq.Code
}

// NewJQClassifier compiles classExpr and summaryExpr once so repeated probe
// ticks don't pay parse/compile cost every interval.
func NewJQClassifier(classExpr, summaryExpr string) (*JQClassifier, error) {
	classCode, err := compileJQ(classExpr)
	if err != nil {
		return nil, fmt.Errorf("stall: compiling probe class expression: %w", err)
	}
	summaryCode, err := compileJQ(summaryExpr)
	if err != nil {
		return nil, fmt.Errorf("stall: compiling probe summary expression: %w", err)
	}
	return &JQClassifier{classQuery: classCode, summaryQuery: summaryCode}, nil
}

func compileJQ(expr string) (*gojq.Code, error) {
	query, err := gojq.Parse(expr)
	if err != nil {
		return nil, err
	}
	return gojq.Compile(query)
}

// Classify implements the NoProgressConfig.Classify signature: unmarshal
// stdout as JSON, run both compiled expressions, and reduce their results to
// a ProbeClass plus a digest-stable summary string.
func (c *JQClassifier) Classify(stdout []byte) (ProbeClass, string, error) {
	var data any
	if err := json.Unmarshal(stdout, &data); err != nil {
		return "", "", fmt.Errorf("stall: probe output is not valid JSON: %w", err)
	}

	classVal, err := runSingle(c.classQuery, data)
	if err != nil {
		return "", "", fmt.Errorf("stall: evaluating probe class: %w", err)
	}
	classStr, ok := classVal.(string)
	if !ok {
		return "", "", fmt.Errorf("stall: probe class expression must yield a string, got %T", classVal)
	}
	class := ProbeClass(classStr)
	switch class {
	case ProbeProgressing, ProbeStalled, ProbeTerminal:
	default:
		return "", "", fmt.Errorf("stall: probe class expression yielded unknown class %q", classStr)
	}

	summaryVal, err := runSingle(c.summaryQuery, data)
	if err != nil {
		return "", "", fmt.Errorf("stall: evaluating probe summary: %w", err)
	}
	summaryJSON, err := json.Marshal(summaryVal)
	if err != nil {
		return "", "", fmt.Errorf("stall: marshaling probe summary: %w", err)
	}

	return class, digestSummary(summaryJSON), nil
}

func runSingle(code *gojq.Code, data any) (any, error) {
	iter := code.Run(data)
	v, ok := iter.Next()
	if !ok {
		return nil, fmt.Errorf("expression produced no result")
	}
	if err, isErr := v.(error); isErr {
		return nil, err
	}
	return v, nil
}

// digestSummary returns a stable hex digest over a probe summary payload,
// used for consecutive-equal-digest stall counting.
func digestSummary(summary []byte) string {
	sum := sha256.Sum256(summary)
	return hex.EncodeToString(sum[:])
}
