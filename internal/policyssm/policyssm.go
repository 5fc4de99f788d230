// Package policyssm loads rate limit policy overrides from an SSM parameter.
//
// The parameter holds a JSON object keyed by purpose:
//
//	{"contact": {"window": "15m", "max": 5}, "posts": {"window": "1m", "max": 20}}
//
// Overrides are applied once at startup. A purpose that is not one of the
// server's known endpoints is rejected so a typo can't silently leave an
// endpoint on its default.
package policyssm

import (
	"bytes"
	"context"
	"encoding/json"
	"sort"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/ssm"

	"github.com/keithlinneman/linnemanlabs-api/internal/ratelimit"
	"github.com/keithlinneman/linnemanlabs-api/internal/xerrors"
)

// ParameterGetter is the part of *ssm.Client the loader uses.
type ParameterGetter interface {
	GetParameter(ctx context.Context, in *ssm.GetParameterInput, optFns ...func(*ssm.Options)) (*ssm.GetParameterOutput, error)
}

type entry struct {
	Window string `json:"window"`
	Max    int    `json:"max"`
}

// Fetch reads the parameter value. SecureString parameters are decrypted.
func Fetch(ctx context.Context, client ParameterGetter, name string) ([]byte, error) {
	out, err := client.GetParameter(ctx, &ssm.GetParameterInput{
		Name:           aws.String(name),
		WithDecryption: aws.Bool(true),
	})
	if err != nil {
		return nil, xerrors.Wrapf(err, "get SSM parameter %s", name)
	}
	if out.Parameter == nil || out.Parameter.Value == nil {
		return nil, xerrors.Newf("SSM parameter %s has no value", name)
	}
	v := strings.TrimSpace(*out.Parameter.Value)
	if v == "" {
		return nil, xerrors.Newf("SSM parameter %s is empty", name)
	}
	return []byte(v), nil
}

// Parse decodes and validates a policy document. Every entry goes through
// ratelimit.NewPolicy, so the returned policies are all valid.
func Parse(data []byte) (map[string]ratelimit.Policy, error) {
	var raw map[string]entry
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&raw); err != nil {
		return nil, xerrors.Wrap(err, "decode policy document")
	}
	if len(raw) == 0 {
		return nil, xerrors.New("policy document has no entries")
	}

	out := make(map[string]ratelimit.Policy, len(raw))
	for _, purpose := range sortedKeys(raw) {
		e := raw[purpose]
		if purpose == "" {
			return nil, xerrors.New("policy document has an empty purpose")
		}
		window, err := time.ParseDuration(e.Window)
		if err != nil {
			return nil, xerrors.Wrapf(err, "policy %q: window", purpose)
		}
		p, err := ratelimit.NewPolicy(window, e.Max)
		if err != nil {
			return nil, xerrors.Wrapf(err, "policy %q", purpose)
		}
		out[purpose] = p
	}
	return out, nil
}

// Apply returns base with overrides replacing matching purposes. base is not
// modified. An override for a purpose absent from base is an error.
func Apply(base, overrides map[string]ratelimit.Policy) (map[string]ratelimit.Policy, error) {
	out := make(map[string]ratelimit.Policy, len(base))
	for k, v := range base {
		out[k] = v
	}
	for _, purpose := range sortedKeys(overrides) {
		if _, ok := base[purpose]; !ok {
			return nil, xerrors.Newf("policy override for unknown purpose %q (known: %s)", purpose, strings.Join(sortedKeys(base), ", "))
		}
		out[purpose] = overrides[purpose]
	}
	return out, nil
}

// Load fetches, parses and applies the overrides stored in the named parameter.
func Load(ctx context.Context, client ParameterGetter, name string, base map[string]ratelimit.Policy) (map[string]ratelimit.Policy, error) {
	data, err := Fetch(ctx, client, name)
	if err != nil {
		return nil, err
	}
	overrides, err := Parse(data)
	if err != nil {
		return nil, xerrors.Wrapf(err, "SSM parameter %s", name)
	}
	return Apply(base, overrides)
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
