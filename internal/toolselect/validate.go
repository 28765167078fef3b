package toolselect

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v5"

	cmderrors "github.com/cybercmd/cybercmd/internal/errors"
	"github.com/cybercmd/cybercmd/internal/registry"
)

// validate enforces parameter validation rules against a composed argv
// vector:
//
//   - argv[0] must equal the selected tool's base command.
//   - each flag or positional supplied must appear in the tool's parameter list.
//   - required parameters without a value or default cause MissingRequired.
//   - values must pass the registry-supplied validator (regex or JSON Schema).
//   - no argv entry may contain a shell metacharacter, control character, or
//     quote character.
func validate(argv []string, tr *registry.ToolRegistry) error {
	if len(argv) == 0 || argv[0] != tr.BaseCommand {
		return cmderrors.Wrap(cmderrors.ErrValidationFailed, fmt.Errorf("argv[0] must equal base command %q", tr.BaseCommand))
	}

	for _, entry := range argv {
		if err := checkArgvEntrySafe(entry); err != nil {
			return cmderrors.Wrap(cmderrors.ErrValidationFailed, err)
		}
	}

	supplied := map[string]string{}
	positionalIdx := 0
	positionalParams := positionalParameters(tr)

	for i := 1; i < len(argv); i++ {
		entry := argv[i]

		if param, ok := tr.ParameterByName(entry); ok && !param.Positional {
			value := ""
			if param.RequiresValue {
				i++
				if i >= len(argv) {
					return cmderrors.Wrap(cmderrors.ErrValidationFailed, fmt.Errorf("flag %q requires a value but none was supplied", entry))
				}
				value = argv[i]
			}
			supplied[param.Name] = value
			if err := validateValue(param, value); err != nil {
				return err
			}
			continue
		}

		if strings.HasPrefix(entry, "-") {
			return cmderrors.Wrap(cmderrors.ErrValidationFailed, fmt.Errorf("flag %q is not declared on tool %q", entry, tr.Name))
		}

		if positionalIdx >= len(positionalParams) {
			return cmderrors.Wrap(cmderrors.ErrValidationFailed, fmt.Errorf("unexpected positional argument %q for tool %q", entry, tr.Name))
		}
		param := positionalParams[positionalIdx]
		positionalIdx++
		supplied[param.Name] = entry
		if err := validateValue(param, entry); err != nil {
			return err
		}
	}

	for _, p := range tr.Parameters {
		if !p.Required {
			continue
		}
		if _, ok := supplied[p.Name]; ok {
			continue
		}
		if p.Default != "" {
			continue
		}
		return cmderrors.Wrap(cmderrors.ErrMissingRequired, fmt.Errorf("parameter %q is required", p.Name))
	}

	return nil
}

func positionalParameters(tr *registry.ToolRegistry) []registry.Parameter {
	var out []registry.Parameter
	for _, p := range tr.Parameters {
		if p.Positional {
			out = append(out, p)
		}
	}
	return out
}

// validateValue checks value against the parameter's declared validator,
// preferring a JSON Schema validator when both are set.
func validateValue(param registry.Parameter, value string) error {
	if param.ValidatorSchema != nil {
		return validateWithSchema(param, value)
	}
	if re := param.CompiledValidator(); re != nil {
		if !re.MatchString(value) {
			return cmderrors.Wrap(cmderrors.ErrValidationFailed, fmt.Errorf("value %q for parameter %q does not match %s", value, param.Name, param.ValidatorRegex))
		}
	}
	return nil
}

// validateWithSchema compiles param's ValidatorSchema and validates value
// against it, grounded on the compile-per-call pattern in
// vsavkov-kilroy's tool_registry.go compileSchema (AddResource from a
// string reader, then Compile). Compiling per call rather than caching is
// acceptable here: parameter validation happens once per composed command,
// not in a hot loop.
func validateWithSchema(param registry.Parameter, value string) error {
	encoded, err := json.Marshal(param.ValidatorSchema)
	if err != nil {
		return cmderrors.Wrap(cmderrors.ErrValidationFailed, fmt.Errorf("encoding schema for parameter %q: %w", param.Name, err))
	}

	const resource = "cybercmd://inline-schema.json"
	compiler := jsonschema.NewCompiler()
	if err := compiler.AddResource(resource, strings.NewReader(string(encoded))); err != nil {
		return cmderrors.Wrap(cmderrors.ErrValidationFailed, fmt.Errorf("loading schema for parameter %q: %w", param.Name, err))
	}
	schema, err := compiler.Compile(resource)
	if err != nil {
		return cmderrors.Wrap(cmderrors.ErrValidationFailed, fmt.Errorf("compiling schema for parameter %q: %w", param.Name, err))
	}

	if err := schema.Validate(coerceJSONValue(value)); err != nil {
		return cmderrors.Wrap(cmderrors.ErrValidationFailed, fmt.Errorf("value %q for parameter %q failed schema validation: %w", value, param.Name, err))
	}
	return nil
}

// coerceJSONValue interprets value as JSON when possible (so a schema typed
// as "integer" or "boolean" validates correctly), falling back to the raw
// string for schemas typed as "string".
func coerceJSONValue(value string) interface{} {
	var v interface{}
	if err := json.Unmarshal([]byte(value), &v); err == nil {
		return v
	}
	return value
}
