package main

import (
	"errors"
	"fmt"
	"strings"

	"github.com/openai/openai-go/v3"
	"github.com/spf13/cobra"
	"github.com/tidwall/gjson"
)

func newChatCmd(opts *options) *cobra.Command {
	var model, system string

	cmd := &cobra.Command{
		Use:   "chat PROMPT",
		Short: "Send a chat completion through the gateway",
		Long: `Send one prompt to POST /v1/chat/completions using the OpenAI SDK.

The gateway forwards only the first message, so --system is prepended to
the prompt rather than sent as a separate message. Backend failures come
back in-band; they are reported as errors here.`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := opts.context(cmd.Context())
			defer cancel()

			client := opts.openAIClient()
			resp, err := client.Chat.Completions.New(ctx, openai.ChatCompletionNewParams{
				Model: openai.ChatModel(model),
				Messages: []openai.ChatCompletionMessageParamUnion{
					openai.UserMessage(chatPrompt(system, args)),
				},
			})
			if err != nil {
				return err
			}
			if msg := gjson.Get(resp.RawJSON(), "error").String(); msg != "" {
				return errors.New(msg)
			}
			if len(resp.Choices) == 0 {
				return errors.New("gateway returned no choices")
			}

			w := cmd.OutOrStdout()
			fmt.Fprintln(w, resp.Choices[0].Message.Content)
			faint.Fprintf(w, "model=%s prompt_tokens=%d completion_tokens=%d\n",
				resp.Model, resp.Usage.PromptTokens, resp.Usage.CompletionTokens)
			return nil
		},
	}

	cmd.Flags().StringVarP(&model, "model", "m", "llama3-8b-instruct", "client model id")
	cmd.Flags().StringVarP(&system, "system", "s", "", "instructions prepended to the prompt")
	return cmd
}

// chatPrompt joins the prompt words and puts any system text in front.
func chatPrompt(system string, words []string) string {
	prompt := strings.Join(words, " ")
	if system = strings.TrimSpace(system); system != "" {
		return system + "\n\n" + prompt
	}
	return prompt
}
