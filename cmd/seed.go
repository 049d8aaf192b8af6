package main

import (
	"encoding/json"
	"os"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/sells-group/docpipe/internal/model"
)

// seedFile is the on-disk reference data layout consumed by the seed
// command. Cross-references use codes and names, not ids; ids are
// assigned at insert time.
type seedFile struct {
	DocTypes []struct {
		Code        string `json:"code"`
		Description string `json:"description"`
	} `json:"doc_types"`
	Models []struct {
		Name         string `json:"name"`
		Provider     string `json:"provider"`
		IsDeprecated bool   `json:"is_deprecated"`
	} `json:"models"`
	Credentials []struct {
		Name     string `json:"name"`
		Provider string `json:"provider"`
		APIKey   string `json:"api_key"`
		Inactive bool   `json:"inactive"`
	} `json:"credentials"`
	Templates []struct {
		Name        string  `json:"name"`
		DocType     string  `json:"doc_type"`
		Version     int     `json:"version"`
		Body        string  `json:"body"`
		Temperature float64 `json:"temperature"`
		TopP        float64 `json:"top_p"`
		MaxTokens   int     `json:"max_tokens"`
		Language    string  `json:"language"`
	} `json:"templates"`
	Chains []struct {
		Name  string `json:"name"`
		Steps []struct {
			SeqNo        int      `json:"seq_no"`
			Model        string   `json:"model"`
			Credential   string   `json:"credential"`
			MaxRetries   int      `json:"max_retries"`
			RetryDelayMS int      `json:"retry_delay_ms"`
			Temperature  *float64 `json:"temperature"`
			MaxTokens    *int     `json:"max_tokens"`
			Stop         []string `json:"stop_sequences"`
		} `json:"steps"`
	} `json:"chains"`
	Agents []struct {
		Code           string `json:"code"`
		DocType        string `json:"doc_type"`
		SequenceNo     int    `json:"sequence_no"`
		PreferredModel string `json:"preferred_model"`
		Template       string `json:"template"`
		Chain          string `json:"chain"`
		Inactive       bool   `json:"inactive"`
	} `json:"agents"`
}

var seedFilePath string

var seedCmd = &cobra.Command{
	Use:   "seed",
	Short: "Load reference data (doc types, models, credentials, templates, chains, agents)",
	RunE: func(cmd *cobra.Command, args []string) error {
		raw, err := os.ReadFile(seedFilePath)
		if err != nil {
			return eris.Wrap(err, "read seed file")
		}
		var seed seedFile
		if err := json.Unmarshal(raw, &seed); err != nil {
			return eris.Wrap(err, "parse seed file")
		}

		env, err := initPipeline(cmd.Context())
		if err != nil {
			return err
		}
		defer env.Close()
		ctx := cmd.Context()

		docTypeIDs := make(map[string]string)
		for _, dt := range seed.DocTypes {
			row := &model.DocumentType{Code: dt.Code, Description: dt.Description, IsActive: true}
			if err := env.Store.CreateDocumentType(ctx, row); err != nil {
				return err
			}
			docTypeIDs[dt.Code] = row.ID
		}

		modelIDs := make(map[string]string)
		for _, m := range seed.Models {
			row := &model.LLMModel{Name: m.Name, Provider: m.Provider, IsDeprecated: m.IsDeprecated}
			if err := env.Store.CreateModel(ctx, row); err != nil {
				return err
			}
			modelIDs[m.Name] = row.ID
		}

		credentialIDs := make(map[string]string)
		for _, c := range seed.Credentials {
			enc, err := env.Keyring.Seal(c.APIKey)
			if err != nil {
				return eris.Wrapf(err, "encrypt credential %s", c.Name)
			}
			row := &model.LLMCredential{Provider: c.Provider, Name: c.Name, APIKeyEnc: enc, IsActive: !c.Inactive}
			if err := env.Store.CreateCredential(ctx, row); err != nil {
				return err
			}
			credentialIDs[c.Name] = row.ID
		}

		templateIDs := make(map[string]string)
		for _, t := range seed.Templates {
			docTypeID, ok := docTypeIDs[t.DocType]
			if !ok {
				return eris.Errorf("template %s references unknown doc type %s", t.Name, t.DocType)
			}
			version := t.Version
			if version == 0 {
				version = 1
			}
			row := &model.PromptTemplate{
				DocTypeID:   docTypeID,
				Name:        t.Name,
				Version:     version,
				Body:        t.Body,
				Temperature: t.Temperature,
				TopP:        t.TopP,
				MaxTokens:   t.MaxTokens,
				Language:    t.Language,
				IsActive:    true,
			}
			if err := env.Store.CreatePromptTemplate(ctx, row); err != nil {
				return err
			}
			templateIDs[t.Name] = row.ID
		}

		chainIDs := make(map[string]string)
		for _, c := range seed.Chains {
			chain := &model.FallbackChain{Name: c.Name}
			for _, s := range c.Steps {
				modelID, ok := modelIDs[s.Model]
				if !ok {
					return eris.Errorf("chain %s references unknown model %s", c.Name, s.Model)
				}
				credentialID, ok := credentialIDs[s.Credential]
				if !ok {
					return eris.Errorf("chain %s references unknown credential %s", c.Name, s.Credential)
				}
				chain.Steps = append(chain.Steps, model.FallbackStep{
					SeqNo:               s.SeqNo,
					ModelID:             modelID,
					CredentialID:        credentialID,
					MaxRetries:          s.MaxRetries,
					RetryDelayMS:        s.RetryDelayMS,
					TemperatureOverride: s.Temperature,
					MaxTokensOverride:   s.MaxTokens,
					StopSequences:       s.Stop,
				})
			}
			if err := env.Store.CreateChain(ctx, chain); err != nil {
				return err
			}
			chainIDs[c.Name] = chain.ID
		}

		for _, a := range seed.Agents {
			docTypeID, ok := docTypeIDs[a.DocType]
			if !ok {
				return eris.Errorf("agent %s references unknown doc type %s", a.Code, a.DocType)
			}
			templateID, ok := templateIDs[a.Template]
			if !ok {
				return eris.Errorf("agent %s references unknown template %s", a.Code, a.Template)
			}
			chainID, ok := chainIDs[a.Chain]
			if !ok {
				return eris.Errorf("agent %s references unknown chain %s", a.Code, a.Chain)
			}
			row := &model.ExtractionAgent{
				DocTypeID:      docTypeID,
				Code:           a.Code,
				SequenceNo:     a.SequenceNo,
				IsActive:       !a.Inactive,
				PreferredModel: a.PreferredModel,
				TemplateID:     templateID,
				ChainID:        chainID,
			}
			if err := env.Store.CreateAgent(ctx, row); err != nil {
				return err
			}
		}

		zap.L().Info("seed complete",
			zap.Int("doc_types", len(seed.DocTypes)),
			zap.Int("models", len(seed.Models)),
			zap.Int("credentials", len(seed.Credentials)),
			zap.Int("templates", len(seed.Templates)),
			zap.Int("chains", len(seed.Chains)),
			zap.Int("agents", len(seed.Agents)))
		return nil
	},
}

func init() {
	seedCmd.Flags().StringVar(&seedFilePath, "file", "seed.json", "seed data file")
	rootCmd.AddCommand(seedCmd)
}
