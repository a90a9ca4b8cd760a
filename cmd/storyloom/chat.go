package main

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"go.uber.org/zap"

	"storyloom/internal/orchestrator"
	"storyloom/internal/types"
)

// runChat drives the interactive storytelling loop. One session spans the
// whole process lifetime; Ctrl-C or an exit command ends it cleanly so the
// open chapter gets summarized.
func runChat() error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	if err := cfg.Validate(); err != nil {
		logger.Warn("config incomplete, some backends disabled", zap.Error(err))
	}

	engine, st, err := buildEngine(cfg)
	if err != nil {
		return err
	}
	defer st.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(sigCh)

	fmt.Println("StoryLoom 儿童故事陪伴引擎")
	fmt.Println("和贝贝聊天，或者说「我想听故事」开始冒险。输入 exit 或 退出 结束。")
	fmt.Println()

	var sessionID string
	input := make(chan string)
	scanner := bufio.NewScanner(os.Stdin)
	go func() {
		defer close(input)
		for scanner.Scan() {
			input <- scanner.Text()
		}
	}()

	for {
		fmt.Print("你> ")
		var line string
		var open bool
		select {
		case <-sigCh:
			fmt.Println()
			return endSession(ctx, engine, sessionID)
		case line, open = <-input:
			if !open {
				fmt.Println()
				return endSession(ctx, engine, sessionID)
			}
		}

		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		if line == "exit" || line == "quit" || line == "退出" {
			return endSession(ctx, engine, sessionID)
		}

		resp, err := engine.ProcessTurn(ctx, types.TurnRequest{
			UserID:    userID,
			SessionID: sessionID,
			Content:   line,
		})
		if err != nil {
			logger.Error("turn failed", zap.Error(err))
			fmt.Println("贝贝> 哎呀，出了点小问题，我们再试一次吧。")
			continue
		}
		sessionID = resp.SessionID

		speaker := "贝贝"
		if resp.Metadata.ActiveRole != "" {
			speaker = resp.Metadata.ActiveRole
		}
		fmt.Printf("%s> %s\n", speaker, resp.ResponseText)

		if verbose {
			fmt.Printf("    [intent=%s confidence=%.2f emotion=%s",
				resp.Metadata.Intent, resp.Metadata.Confidence, resp.Metadata.Emotion)
			if resp.Metadata.WorldState != nil {
				fmt.Printf(" world=%s chapter=%d", resp.Metadata.WorldState.Name, resp.Metadata.ChapterIndex)
			}
			fmt.Println("]")
		}
	}
}

func endSession(ctx context.Context, engine *orchestrator.Engine, sessionID string) error {
	if sessionID == "" {
		fmt.Println("再见！")
		return nil
	}
	if err := engine.EndSession(ctx, sessionID); err != nil {
		logger.Warn("ending session failed", zap.Error(err))
	}
	fmt.Println("今天的故事就到这里，下次再见！")
	return nil
}
