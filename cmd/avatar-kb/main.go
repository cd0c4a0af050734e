package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/urfave/cli/v3"

	"github.com/jinford/avatar-kb/cmd/avatar-kb/commands"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	app := &cli.Command{
		Name:  "avatar-kb",
		Usage: "ライブアバター向けナレッジ検索基盤",
		Commands: []*cli.Command{
			{
				Name:  "ingest",
				Usage: "ドキュメントフォルダをベクトルインデックスへ取り込む",
				Flags: []cli.Flag{
					&cli.StringFlag{
						Name:  "env",
						Usage: "環境変数ファイルパス",
						Value: ".env",
					},
					&cli.StringFlag{
						Name:     "dir",
						Usage:    "取り込むドキュメントフォルダ",
						Required: true,
					},
				},
				Action: commands.IngestAction,
			},
			{
				Name:  "serve",
				Usage: "ナレッジ検索HTTPサーバを起動",
				Flags: []cli.Flag{
					&cli.StringFlag{
						Name:  "env",
						Usage: "環境変数ファイルパス",
						Value: ".env",
					},
					&cli.IntFlag{
						Name:  "port",
						Usage: "HTTPポート（省略時は環境変数またはデフォルトの8080）",
					},
				},
				Action: commands.ServeAction,
			},
		},
	}

	if err := app.Run(ctx, os.Args); err != nil {
		log.Fatal(err)
	}
}
