package commands

import (
	"context"
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/haivivi/respsel/pkg/cli"
	"github.com/haivivi/respsel/pkg/featurize"
	"github.com/haivivi/respsel/pkg/nlu"
	"github.com/haivivi/respsel/pkg/selector"
)

var predictOpts predictOptions

var predictCmd = &cobra.Command{
	Use:   "predict [text...]",
	Short: "Select responses for texts",
	Long: `Load a trained selector and select a response for each text.

Texts come from the arguments, or from --file as a YAML or JSON document
with a "texts" list ("-" reads stdin).

Example:
  respsel predict --model ./models "what is your name"
  respsel predict --model s3://models/faq -f texts.yaml -o table`,
	RunE: func(cmd *cobra.Command, args []string) error {
		sc, err := getContext()
		if err != nil {
			return err
		}
		opts := predictOpts
		opts.Texts = append(opts.Texts, args...)
		results, err := runPredict(cmd.Context(), opts, sc, slog.Default())
		if err != nil {
			return err
		}
		return outputResult(results)
	},
}

func init() {
	f := predictCmd.Flags()
	f.StringVar(&predictOpts.Model, "model", "", "artifact directory or s3:// URL (default: context store)")
	f.StringVar(&predictOpts.Name, "name", DefaultName, "artifact base name")
	f.StringVarP(&predictOpts.File, "file", "f", "", "request file with a texts list (YAML or JSON, - for stdin)")
}

type predictOptions struct {
	Model string
	Name  string
	File  string
	Texts []string
}

// predictRequest is the document read by --file.
type predictRequest struct {
	Texts []string `yaml:"texts" json:"texts"`
}

type predictResult struct {
	Text       string              `yaml:"text" json:"text"`
	Prediction selector.Prediction `yaml:"prediction" json:"prediction"`
}

type predictResults []predictResult

func (predictResults) Header() []string {
	return []string{"text", "label", "confidence", "response"}
}

func (r predictResults) Rows() [][]string {
	rows := make([][]string, len(r))
	for i, res := range r {
		p := res.Prediction
		rows[i] = []string{res.Text, p.Label.Name, cli.FormatFloat(p.Label.Confidence), p.Response.Text()}
	}
	return rows
}

func runPredict(ctx context.Context, opts predictOptions, sc *cli.Context, logger *slog.Logger) (predictResults, error) {
	if opts.Name == "" {
		opts.Name = DefaultName
	}
	texts := opts.Texts
	if opts.File != "" {
		var req predictRequest
		var err error
		if opts.File == "-" {
			err = cli.LoadRequestFrom(os.Stdin, &req)
		} else {
			err = cli.LoadRequest(opts.File, &req)
		}
		if err != nil {
			return nil, err
		}
		texts = append(texts, req.Texts...)
	}
	if len(texts) == 0 {
		return nil, fmt.Errorf("no texts to predict")
	}

	fs, _, err := openStore(opts.Model, sc)
	if err != nil {
		return nil, err
	}
	meta, err := selector.ReadMetadata(ctx, fs, opts.Name)
	if err != nil {
		return nil, err
	}
	s, err := selector.Load(ctx, fs, meta, selector.WithLogger(logger))
	if err != nil {
		return nil, err
	}
	r, err := fs.Read(ctx, vocabularyFile(opts.Name))
	if err != nil {
		return nil, fmt.Errorf("read vocabulary: %w", err)
	}
	pipeline, err := featurize.LoadPipeline(r)
	r.Close()
	if err != nil {
		return nil, err
	}

	key := s.Config().Key()
	results := make(predictResults, 0, len(texts))
	for _, text := range texts {
		m := nlu.NewTextMessage(text)
		if err := pipeline.Process(m); err != nil {
			return nil, err
		}
		if err := s.Process(m); err != nil {
			return nil, err
		}
		props, _ := m.Get(selector.PropertyName).(map[string]selector.Prediction)
		results = append(results, predictResult{Text: text, Prediction: props[key]})
	}
	return results, nil
}
