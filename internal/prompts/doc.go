// Package prompts contains the LLM prompt templates Kiku sends to models.
//
// Prompt text is Go code rather than config files because it is program
// logic: templates use fmt.Sprintf interpolation and can be validated by
// tests. The persona is the one prompt users may override from
// config.yaml.
//
// Each prompt category gets its own file with an exported function that
// accepts the dynamic parts and returns the fully interpolated prompt.
package prompts
