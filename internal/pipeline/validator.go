package pipeline

import (
	"github.com/basalt-labs/basalt-go/internal/domain"
)

// MaxPipelineOps caps the operation count per pipeline. Enforced at load;
// the engine re-checks at run time as a backstop.
const MaxPipelineOps = 128

// CompiledOp is one load-validated operation: its typed arguments and
// parsed condition, ready for dispatch.
type CompiledOp struct {
	Name string
	Args argsChecker
	When *Condition
}

// Compiled is a pipeline definition after load-time validation. Compilation
// happens once per load; requests never re-validate.
type Compiled struct {
	Def      domain.Definition
	Ops      []CompiledOp
	Warnings []string
}

// Compile validates a definition against the closed-world vocabulary and
// decodes every operation's arguments. Any issue rejects the whole
// pipeline; a rejected pipeline is a deploy failure, never a request-time
// one.
func Compile(def domain.Definition) (*Compiled, error) {
	issues := &ValidationIssues{PipelineID: def.ID}

	if err := def.ValidateBasicShape(); err != nil {
		issues.Add(-1, "%v", err)
		return nil, issues
	}
	if len(def.Operations) > MaxPipelineOps {
		issues.Add(-1, "pipeline has %d operations, limit is %d", len(def.Operations), MaxPipelineOps)
		return nil, issues
	}

	compiled := &Compiled{Def: def, Ops: make([]CompiledOp, 0, len(def.Operations))}

	declared := make(map[string]bool)
	txnOpen := false
	hasUnconditionalRespond := false
	hasMutation := false
	hasEmit := false

	for i, raw := range def.Operations {
		decode, known := decodeArgs[raw.Op]
		if !known {
			issues.Add(i, "unknown operation %q", raw.Op)
			continue
		}
		args, err := decode(raw.Args)
		if err != nil {
			issues.Add(i, "%s args: %v", raw.Op, err)
			continue
		}
		when, err := ParseCondition(raw.When)
		if err != nil {
			issues.Add(i, "%s when: %v", raw.Op, err)
			continue
		}

		// Conditions may only reference variables some earlier op declared.
		if when != nil {
			for _, root := range when.VarRoots() {
				if !declared[root] {
					issues.Add(i, "%s when references undeclared variable $%s", raw.Op, root)
				}
			}
		}

		// Static transaction bracketing. Conditional txn ops depend on
		// runtime state, so only unconditional ones are tracked.
		if when == nil {
			switch raw.Op {
			case OpTxnBegin:
				if txnOpen {
					issues.Add(i, "txn.begin inside an open transaction")
				}
				txnOpen = true
			case OpTxnCommit, OpTxnAbort:
				if !txnOpen {
					issues.Add(i, "%s without an open transaction", raw.Op)
				}
				txnOpen = false
			}
		}

		switch raw.Op {
		case OpRespondJSON, OpRespondBytes, OpRespondRedirect, OpRespondError:
			if when == nil {
				hasUnconditionalRespond = true
			}
		case OpKVPut, OpKVCASPut, OpKVDelete, OpIndexUpsert, OpIndexDelete, OpBlobPut:
			hasMutation = true
		case OpEmitEvent:
			hasEmit = true
		}

		for _, out := range declaredOuts(args) {
			declared[out] = true
		}

		compiled.Ops = append(compiled.Ops, CompiledOp{Name: raw.Op, Args: args, When: when})
	}

	if err := issues.OrNil(); err != nil {
		return nil, err
	}

	if !hasUnconditionalRespond {
		compiled.Warnings = append(compiled.Warnings,
			"no unconditional respond op; a run that skips every conditional respond ends in a 500")
	}
	if hasMutation && !hasEmit {
		compiled.Warnings = append(compiled.Warnings,
			"pipeline mutates storage without emitting an event; replication consumers will not observe it")
	}
	return compiled, nil
}

// declaredOuts lists the variable names an operation binds, used for static
// reference checking of later conditions.
func declaredOuts(args argsChecker) []string {
	switch a := args.(type) {
	case parseQueryArgs:
		return []string{a.Out}
	case parseJSONArgs:
		return []string{a.Out}
	case kvGetArgs:
		return []string{a.Out}
	case blobPutArgs:
		outs := []string{a.Out}
		if a.OutSize != "" {
			outs = append(outs, a.OutSize)
		}
		return outs
	case blobGetArgs:
		return []string{a.Out}
	case indexQueryArgs:
		return []string{a.Out}
	case cacheGetArgs:
		return []string{a.HitOut, a.ValueOut}
	case proxyFetchArgs:
		return []string{a.Out}
	case timeNowISO8601Args:
		return []string{a.Out}
	case stringFormatArgs:
		return []string{a.Out}
	default:
		return nil
	}
}
