package steps

import "github.com/vantle/stepflow/internal/validation"

// RegisterBuiltins registers all built-in step types in the given registry.
func RegisterBuiltins(reg *Registry, validator *validation.JSONSchemaValidator, httpCfg HTTPConfig, fsCfg FSConfig, shellCfg ShellConfig) error {
	all := make([]Step, 0, 16)

	// HTTP steps.
	all = append(all,
		NewHTTPFetchStep(httpCfg),
		NewHTTPGetStep(httpCfg),
		NewHTTPPostStep(httpCfg),
	)

	// Shell steps.
	all = append(all, ShellSteps(shellCfg)...)

	// Filesystem steps.
	all = append(all, FSSteps(fsCfg)...)

	// Expression steps.
	all = append(all, ExprSteps()...)
	all = append(all, JQSteps()...)

	// Assertion steps.
	all = append(all, AssertSteps(validator)...)

	// Digest and templating steps.
	all = append(all, HashSteps(fsCfg)...)
	all = append(all, TemplateSteps(fsCfg)...)

	for _, s := range all {
		if err := reg.Register(s); err != nil {
			return err
		}
	}
	return nil
}
