// Package secrets resolves configuration values that may live in AWS.
//
// A value is one of:
//
//	ssm:/path/to/param   SSM parameter, decrypted
//	kms:<base64>         KMS ciphertext, decrypted
//	anything else        used as-is
package secrets

import (
	"context"
	"encoding/base64"
	"errors"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/kms"
	"github.com/aws/aws-sdk-go-v2/service/ssm"

	"github.com/keithlinneman/linnemanlabs-confirmd/internal/xerrors"
)

const (
	ssmPrefix = "ssm:"
	kmsPrefix = "kms:"
)

// ErrUnsupportedRef is returned for a reference whose backing client is not configured.
var ErrUnsupportedRef = errors.New("unsupported secret reference")

// ssmAPI and kmsAPI are the slices of the AWS clients Resolve needs, so tests can run without credentials.
type ssmAPI interface {
	GetParameter(ctx context.Context, params *ssm.GetParameterInput, optFns ...func(*ssm.Options)) (*ssm.GetParameterOutput, error)
}

type kmsAPI interface {
	Decrypt(ctx context.Context, params *kms.DecryptInput, optFns ...func(*kms.Options)) (*kms.DecryptOutput, error)
}

type Resolver struct {
	ssm ssmAPI
	kms kmsAPI
}

// New builds a Resolver backed by real SSM and KMS clients.
func New(cfg aws.Config) *Resolver {
	return &Resolver{
		ssm: ssm.NewFromConfig(cfg),
		kms: kms.NewFromConfig(cfg),
	}
}

// NeedsAWS reports whether ref must be fetched from AWS, so callers can skip loading AWS config.
func NeedsAWS(ref string) bool {
	ref = strings.TrimSpace(ref)
	return strings.HasPrefix(ref, ssmPrefix) || strings.HasPrefix(ref, kmsPrefix)
}

// Resolve returns the plaintext for ref. Surrounding whitespace is trimmed from the result.
// A nil Resolver still resolves literal values.
func (r *Resolver) Resolve(ctx context.Context, ref string) (string, error) {
	ref = strings.TrimSpace(ref)
	switch {
	case strings.HasPrefix(ref, ssmPrefix):
		return r.fromSSM(ctx, strings.TrimPrefix(ref, ssmPrefix))
	case strings.HasPrefix(ref, kmsPrefix):
		return r.fromKMS(ctx, strings.TrimPrefix(ref, kmsPrefix))
	default:
		return ref, nil
	}
}

func (r *Resolver) fromSSM(ctx context.Context, name string) (string, error) {
	if r == nil || r.ssm == nil {
		return "", xerrors.Wrapf(ErrUnsupportedRef, "ssm parameter %q: no ssm client", name)
	}
	if name == "" {
		return "", xerrors.New("ssm reference has no parameter name")
	}

	out, err := r.ssm.GetParameter(ctx, &ssm.GetParameterInput{
		Name:           aws.String(name),
		WithDecryption: aws.Bool(true),
	})
	if err != nil {
		return "", xerrors.Wrapf(err, "get SSM parameter %s", name)
	}
	if out.Parameter == nil || out.Parameter.Value == nil {
		return "", xerrors.Newf("SSM parameter %s has no value", name)
	}

	v := strings.TrimSpace(*out.Parameter.Value)
	if v == "" {
		return "", xerrors.Newf("SSM parameter %s is empty", name)
	}
	return v, nil
}

func (r *Resolver) fromKMS(ctx context.Context, blob string) (string, error) {
	if r == nil || r.kms == nil {
		return "", xerrors.Wrap(ErrUnsupportedRef, "kms ciphertext: no kms client")
	}
	ciphertext, err := base64.StdEncoding.DecodeString(blob)
	if err != nil {
		return "", xerrors.Wrap(err, "decode kms ciphertext")
	}
	if len(ciphertext) == 0 {
		return "", xerrors.New("kms reference has no ciphertext")
	}

	// symmetric keys carry the key id in the ciphertext, no KeyId needed
	out, err := r.kms.Decrypt(ctx, &kms.DecryptInput{CiphertextBlob: ciphertext})
	if err != nil {
		return "", xerrors.Wrap(err, "kms decrypt")
	}

	v := strings.TrimSpace(string(out.Plaintext))
	if v == "" {
		return "", xerrors.New("kms plaintext is empty")
	}
	return v, nil
}
