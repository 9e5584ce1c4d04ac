package document

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"strings"

	"github.com/savaki/outposts-backup/internal/errors"
	"gopkg.in/yaml.v3"
)

// Document is an SSM Automation document held as generic JSON so fields the
// build does not touch survive a round trip.
type Document struct {
	data map[string]any
}

// Load reads an automation document from disk
func Load(path string) (*Document, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read document %s: %w", path, err)
	}
	return Parse(data)
}

// Parse decodes an automation document. Numbers are kept verbatim.
func Parse(data []byte) (*Document, error) {
	decoder := json.NewDecoder(bytes.NewReader(data))
	decoder.UseNumber()

	var doc map[string]any
	if err := decoder.Decode(&doc); err != nil {
		return nil, fmt.Errorf("failed to parse document: %w", err)
	}
	if doc == nil {
		return nil, fmt.Errorf("failed to parse document: not a JSON object")
	}
	return &Document{data: doc}, nil
}

// MarshalIndent renders the document with two space indentation and without
// HTML escaping, so embedded scripts stay readable.
func (d *Document) MarshalIndent() ([]byte, error) {
	var buf bytes.Buffer
	encoder := json.NewEncoder(&buf)
	encoder.SetEscapeHTML(false)
	encoder.SetIndent("", "  ")
	if err := encoder.Encode(d.data); err != nil {
		return nil, fmt.Errorf("failed to encode document: %w", err)
	}
	return bytes.TrimRight(buf.Bytes(), "\n"), nil
}

// StepNames lists mainSteps in order
func (d *Document) StepNames() []string {
	var names []string
	for _, step := range d.steps() {
		if name, ok := step["name"].(string); ok {
			names = append(names, name)
		}
	}
	return names
}

func (d *Document) steps() []map[string]any {
	raw, _ := d.data["mainSteps"].([]any)
	var steps []map[string]any
	for _, item := range raw {
		if step, ok := item.(map[string]any); ok {
			steps = append(steps, step)
		}
	}
	return steps
}

// Step returns the named step, or ErrDocumentStepNotFound
func (d *Document) Step(name string) (map[string]any, error) {
	for _, step := range d.steps() {
		if step["name"] == name {
			return step, nil
		}
	}
	return nil, fmt.Errorf("%w: %s", errors.ErrDocumentStepNotFound, name)
}

func (d *Document) inputs(stepName string) (map[string]any, error) {
	step, err := d.Step(stepName)
	if err != nil {
		return nil, err
	}
	return child(step, "inputs"), nil
}

// child returns m[key] as an object, creating it when absent
func child(m map[string]any, key string) map[string]any {
	if v, ok := m[key].(map[string]any); ok {
		return v
	}
	v := map[string]any{}
	m[key] = v
	return v
}

// ScriptLines splits a script into lines with carriage returns removed and
// tabs expanded to four spaces.
func ScriptLines(script []byte) []string {
	text := strings.TrimSuffix(normalizeNewlines(script), "\n")
	if text == "" {
		return []string{}
	}

	lines := strings.Split(text, "\n")
	for i, line := range lines {
		lines[i] = strings.ReplaceAll(line, "\t", "    ")
	}
	return lines
}

func normalizeNewlines(script []byte) string {
	text := strings.ReplaceAll(string(script), "\r\n", "\n")
	return strings.ReplaceAll(text, "\r", "\n")
}

// scriptText normalizes line endings and ensures the text ends with a newline
func scriptText(script []byte) string {
	text := normalizeNewlines(script)
	if text != "" && !strings.HasSuffix(text, "\n") {
		text += "\n"
	}
	return text
}

// InsertCommands sets inputs.Parameters.commands of a run command step to the
// lines of script.
func (d *Document) InsertCommands(stepName string, script []byte) error {
	inputs, err := d.inputs(stepName)
	if err != nil {
		return err
	}

	lines := ScriptLines(script)
	commands := make([]any, 0, len(lines))
	for _, line := range lines {
		commands = append(commands, line)
	}
	child(inputs, "Parameters")["commands"] = commands
	return nil
}

// InsertCommandsText sets inputs.Parameters.commands to script as a single string
func (d *Document) InsertCommandsText(stepName string, script []byte) error {
	inputs, err := d.inputs(stepName)
	if err != nil {
		return err
	}
	child(inputs, "Parameters")["commands"] = scriptText(script)
	return nil
}

// InsertExecuteScript sets inputs.Script of an aws:executeScript step
func (d *Document) InsertExecuteScript(stepName string, script []byte) error {
	inputs, err := d.inputs(stepName)
	if err != nil {
		return err
	}
	inputs["Script"] = scriptText(script)
	return nil
}

// InsertCloudFormation sets inputs.TemplateBody of a step to template, which
// must be a YAML or JSON mapping with a Resources section.
func (d *Document) InsertCloudFormation(stepName string, template []byte) error {
	if err := CheckTemplate(template); err != nil {
		return err
	}

	inputs, err := d.inputs(stepName)
	if err != nil {
		return err
	}
	inputs["TemplateBody"] = scriptText(template)
	return nil
}

// InsertAttachment points inputs.Attachment at fileName. Steps that do not
// declare an attachment are left alone.
func (d *Document) InsertAttachment(stepName, fileName string) error {
	inputs, err := d.inputs(stepName)
	if err != nil {
		return err
	}
	if v, ok := inputs["Attachment"]; ok && v != nil && v != "" {
		inputs["Attachment"] = fileName
	}
	return nil
}

// InsertTemplateURL sets inputs.TemplateURL of a step
func (d *Document) InsertTemplateURL(stepName, url string) error {
	inputs, err := d.inputs(stepName)
	if err != nil {
		return err
	}
	inputs["TemplateURL"] = url
	return nil
}

// SetChecksum records the sha256 of an attachment under files
func (d *Document) SetChecksum(fileName, sha256 string) {
	files := child(d.data, "files")
	files[fileName] = map[string]any{
		"checksums": map[string]any{
			"sha256": sha256,
		},
	}
}

// Checksum returns the recorded sha256 of an attachment
func (d *Document) Checksum(fileName string) (string, bool) {
	files, _ := d.data["files"].(map[string]any)
	entry, _ := files[fileName].(map[string]any)
	checksums, _ := entry["checksums"].(map[string]any)
	sum, ok := checksums["sha256"].(string)
	return sum, ok
}

// CheckTemplate verifies template parses as a mapping with a Resources key.
// Intrinsic function tags such as !Ref are accepted as is.
func CheckTemplate(template []byte) error {
	var root yaml.Node
	if err := yaml.Unmarshal(template, &root); err != nil {
		return fmt.Errorf("%w: %w", errors.ErrInvalidTemplate, err)
	}
	if root.Kind != yaml.DocumentNode || len(root.Content) == 0 {
		return fmt.Errorf("%w: empty template", errors.ErrInvalidTemplate)
	}

	mapping := root.Content[0]
	if mapping.Kind != yaml.MappingNode {
		return fmt.Errorf("%w: top level is not a mapping", errors.ErrInvalidTemplate)
	}
	for i := 0; i+1 < len(mapping.Content); i += 2 {
		if mapping.Content[i].Value == "Resources" {
			return nil
		}
	}
	return fmt.Errorf("%w: missing Resources", errors.ErrInvalidTemplate)
}
