// Copyright 2026 Tapwire Authors
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

// Package errs defines a closed enum of error kinds shared by the error
// classifier (C8) and the shutdown supervisor (C10), replacing the
// string-matched "known benign exception" style of error handling with
// typed classification at the source.
package errs

import (
	"errors"
	"fmt"
)

// Kind classifies an error for rendering and supervisor decisions. The set
// is closed: new kinds must be added here, never inferred from message text
// at the call site.
type Kind int

const (
	// KindUnknown is never produced deliberately; its presence in a
	// classification means the source forgot to wrap the error.
	KindUnknown Kind = iota

	// KindClientGone is expected transport noise: the client disconnected
	// or reset the connection. Logged at debug, never rendered.
	KindClientGone

	// KindDNS is a failed upstream hostname resolution.
	KindDNS
	// KindConnRefused is a refused upstream TCP connection.
	KindConnRefused
	// KindTimeout is an upstream dial/read/write deadline exceeded.
	KindTimeout
	// KindCert is a TLS/certificate minting or handshake failure.
	KindCert
	// KindRuleConfig is a rule-authoring error: invalid upstream options,
	// or a match/onRequest hook that misbehaved.
	KindRuleConfig
	// KindConfig is a fatal startup configuration error.
	KindConfig
	// KindBenign is a process-level exception known to be harmless, such
	// as writing to a connection after headers were already sent.
	KindBenign
	// KindOther is anything that doesn't classify as one of the above;
	// it is treated as fatal by the supervisor.
	KindOther
)

func (k Kind) String() string {
	switch k {
	case KindClientGone:
		return "client_gone"
	case KindDNS:
		return "dns"
	case KindConnRefused:
		return "conn_refused"
	case KindTimeout:
		return "timeout"
	case KindCert:
		return "cert"
	case KindRuleConfig:
		return "rule_config"
	case KindConfig:
		return "config"
	case KindBenign:
		return "benign"
	case KindOther:
		return "other"
	default:
		return "unknown"
	}
}

// classified wraps an underlying error with a Kind, so callers can both
// errors.Is/As against the wrapped error and switch on Kind for dispatch.
type classified struct {
	kind Kind
	err  error
}

func (c *classified) Error() string {
	if c.err == nil {
		return c.kind.String()
	}
	return fmt.Sprintf("%s: %v", c.kind, c.err)
}

func (c *classified) Unwrap() error { return c.err }

// New classifies err as kind, wrapping it for later unwrap/inspection.
// A nil err returns nil.
func New(kind Kind, err error) error {
	if err == nil {
		return nil
	}
	return &classified{kind: kind, err: err}
}

// Newf classifies a freshly formatted error.
func Newf(kind Kind, format string, args ...any) error {
	return &classified{kind: kind, err: fmt.Errorf(format, args...)}
}

// ClassifyOf returns the Kind attached to err via New/Newf, or KindUnknown
// if err was never classified.
func ClassifyOf(err error) Kind {
	var c *classified
	if errors.As(err, &c) {
		return c.kind
	}
	return KindUnknown
}

// IsFatal reports whether the supervisor should treat kind as a reason to
// drain and exit the process, per spec §7's error taxonomy.
func IsFatal(kind Kind) bool {
	switch kind {
	case KindConfig, KindOther, KindUnknown:
		return true
	default:
		return false
	}
}
