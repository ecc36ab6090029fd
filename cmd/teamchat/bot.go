package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/teamchat/teamchat-go/internal/bot"
	"github.com/teamchat/teamchat-go/internal/llm"
)

func (a *app) botCmd() *cobra.Command {
	var provider, model, system string
	var directs bool

	cmd := &cobra.Command{
		Use:   "bot",
		Short: "Run an LLM bot that answers mentions",
		RunE: func(cmd *cobra.Command, args []string) error {
			apiKey := a.cfg.AnthropicAPIKey
			if llm.Provider(provider) == llm.ProviderOpenAI {
				apiKey = a.cfg.OpenAIAPIKey
			}
			client, err := llm.NewClient(llm.Provider(provider), apiKey)
			if err != nil {
				return err
			}

			session, err := a.connect(cmd.Context())
			if err != nil {
				return err
			}
			defer session.Close()

			b, err := bot.New(session, bot.Config{
				LLM:              client,
				Model:            model,
				System:           system,
				RespondToDirects: directs,
				Logger:           a.log,
			})
			if err != nil {
				return err
			}
			b.Start()
			defer b.Stop()

			fmt.Printf("bot running as @%s (provider %s); ctrl-c to stop\n",
				session.Me().Handle, client.Name())
			waitForInterrupt(cmd.Context())
			return nil
		},
	}
	cmd.Flags().StringVar(&provider, "provider", a.cfg.LLMProvider, "llm provider (anthropic|openai)")
	cmd.Flags().StringVar(&model, "model", a.cfg.BotModel, "model override")
	cmd.Flags().StringVar(&system, "system", "", "system prompt override")
	cmd.Flags().BoolVar(&directs, "directs", false, "also answer direct messages")
	return cmd
}
