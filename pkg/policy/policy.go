// Package policy evaluates Rego rules that admit or reject document uploads.
package policy

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"strings"

	"github.com/m-mizutani/goerr/v2"
	"github.com/m-mizutani/paperchat/pkg/model"
	"github.com/m-mizutani/paperchat/pkg/utils/logging"
	"github.com/open-policy-agent/opa/v1/rego"
	"github.com/open-policy-agent/opa/v1/topdown/print"
)

// UploadQuery is the rule set evaluated for every upload. Each element is a reason to deny.
const UploadQuery = "data.upload.deny"

// UploadInput is the document passed to the policy as `input`
type UploadInput struct {
	UserID        model.UserID `json:"user_id"`
	Filename      string       `json:"filename"`
	Extension     string       `json:"extension"`
	SizeBytes     int          `json:"size_bytes"`
	DocumentCount int          `json:"document_count"`
}

// Upload is a prepared upload policy. A nil *Upload admits everything.
type Upload struct {
	query *rego.PreparedEvalQuery
}

type printHook struct{}

func (h *printHook) Print(ctx print.Context, message string) error {
	logging.Default().Debug("rego print", "message", message)
	return nil
}

// Load reads every .rego file in dir. It returns nil when the directory has no policy files.
func Load(ctx context.Context, dir string) (*Upload, error) {
	files, err := filepath.Glob(filepath.Join(dir, "*.rego"))
	if err != nil {
		return nil, goerr.Wrap(err, "failed to glob policy files", goerr.V("dir", dir))
	}
	if len(files) == 0 {
		return nil, nil
	}

	modules := make(map[string]string, len(files))
	for _, file := range files {
		data, err := os.ReadFile(file)
		if err != nil {
			return nil, goerr.Wrap(err, "failed to read policy file", goerr.V("path", file))
		}
		modules[file] = string(data)
	}

	return New(ctx, modules)
}

// New compiles policy modules keyed by file name
func New(ctx context.Context, modules map[string]string) (*Upload, error) {
	options := make([]func(*rego.Rego), 0, len(modules)+2)
	options = append(options, rego.Query(UploadQuery), rego.EnablePrintStatements(true))
	for name, src := range modules {
		options = append(options, rego.Module(name, src))
	}

	prepared, err := rego.New(options...).PrepareForEval(ctx)
	if err != nil {
		return nil, goerr.Wrap(err, "failed to prepare upload policy", goerr.V("query", UploadQuery))
	}

	return &Upload{query: &prepared}, nil
}

// Evaluate returns ErrPolicyRejected carrying the deny reasons when any rule fires
func (x *Upload) Evaluate(ctx context.Context, input *UploadInput) error {
	if x == nil {
		return nil
	}

	rs, err := x.query.Eval(ctx, rego.EvalInput(input), rego.EvalPrintHook(&printHook{}))
	if err != nil {
		return goerr.Wrap(err, "failed to evaluate upload policy")
	}

	reasons := denyReasons(rs)
	if len(reasons) == 0 {
		return nil
	}

	return goerr.Wrap(model.ErrPolicyRejected, "upload denied by policy: "+strings.Join(reasons, "; "),
		goerr.V("filename", input.Filename),
		goerr.V("reasons", reasons))
}

func denyReasons(rs rego.ResultSet) []string {
	if len(rs) == 0 || len(rs[0].Expressions) == 0 {
		return nil
	}

	values, ok := rs[0].Expressions[0].Value.([]any)
	if !ok {
		return nil
	}

	reasons := make([]string, 0, len(values))
	for _, v := range values {
		if s, ok := v.(string); ok {
			reasons = append(reasons, s)
		} else {
			reasons = append(reasons, fmt.Sprint(v))
		}
	}
	slices.Sort(reasons)
	return reasons
}
