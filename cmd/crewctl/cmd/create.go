package cmd

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"text/template"
	"unicode"

	"github.com/spf13/cobra"
)

var (
	createDescription string
	createDirectory   string
)

// flowNamePattern accepts CamelCase or snake_case identifiers starting
// with a letter.
var flowNamePattern = regexp.MustCompile(`^[A-Za-z][A-Za-z0-9_]*$`)

const flowTemplate = `# {{.Name}} crew definition, generated by crewctl.
name: {{.Slug}}
process: sequential

# Values referenced as {placeholder} in agent templates below.
variables:
  topic: "change me"

agents:
  - id: researcher
    role: "{topic} Researcher"
    goal: "Gather accurate, current information about {topic}"
    backstory: "{{.Description}}"
    memory: true
  - id: writer
    role: "{topic} Writer"
    goal: "Turn research notes into a clear write-up"
    memory: true

tasks:
  - id: research
    description: "Research {topic} and list the key findings"
    agent: researcher
    priority: high
  - id: write
    description: "Write a summary based on the research findings"
    agent: writer
    depends_on: [research]
`

var createFlowCmd = &cobra.Command{
	Use:   "create-flow <Name>",
	Short: "Scaffold a new crew definition",
	Long: `Create a directory containing a starter crew.yaml for a new flow.

Examples:
  crewctl create-flow ResearchCrew
  crewctl create-flow ResearchCrew --description "Research and summarize" --directory ./flows`,
	Args: cobra.ExactArgs(1),
	RunE: runCreateFlow,
}

func init() {
	rootCmd.AddCommand(createFlowCmd)

	createFlowCmd.Flags().StringVar(&createDescription, "description", "", "Short description embedded in the scaffold")
	createFlowCmd.Flags().StringVar(&createDirectory, "directory", ".", "Parent directory for the new flow")
}

func runCreateFlow(cmd *cobra.Command, args []string) error {
	name := args[0]
	if !flowNamePattern.MatchString(name) {
		return fmt.Errorf("invalid flow name %q: must start with a letter and contain only letters, digits, and underscores", name)
	}

	slug := toSnake(name)
	target := filepath.Join(createDirectory, slug)
	if _, err := os.Stat(target); err == nil {
		return fmt.Errorf("target directory %s already exists", target)
	} else if !os.IsNotExist(err) {
		return fmt.Errorf("checking target directory: %w", err)
	}

	tmpl, err := template.New("flow").Parse(flowTemplate)
	if err != nil {
		return fmt.Errorf("internal scaffold template is broken: %w", err)
	}

	if err := os.MkdirAll(target, 0o755); err != nil {
		return fmt.Errorf("creating %s: %w", target, err)
	}

	description := createDescription
	if description == "" {
		description = fmt.Sprintf("The %s crew", name)
	}

	path := filepath.Join(target, "crew.yaml")
	file, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o644)
	if err != nil {
		return fmt.Errorf("creating %s: %w", path, err)
	}
	defer file.Close()

	err = tmpl.Execute(file, struct {
		Name        string
		Slug        string
		Description string
	}{Name: name, Slug: slug, Description: description})
	if err != nil {
		return fmt.Errorf("rendering scaffold: %w", err)
	}

	cmd.Printf("Created %s\n", path)
	return nil
}

// toSnake converts CamelCase to snake_case, keeping acronym runs together
// (HTTPCrew becomes http_crew). snake_case input passes through.
func toSnake(name string) string {
	runes := []rune(name)
	var b strings.Builder
	for i, r := range runes {
		if unicode.IsUpper(r) && i > 0 {
			prevLower := !unicode.IsUpper(runes[i-1]) && runes[i-1] != '_'
			nextLower := i+1 < len(runes) && unicode.IsLower(runes[i+1])
			if prevLower || (unicode.IsUpper(runes[i-1]) && nextLower) {
				b.WriteByte('_')
			}
		}
		b.WriteRune(unicode.ToLower(r))
	}
	return b.String()
}
