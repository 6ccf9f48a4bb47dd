package chainsense

import (
	"net/http"
	"time"

	"github.com/go-telegram/bot"
)

func (a *Chainsense) setupBot() error {
	opts := []bot.Option{
		bot.WithDefaultHandler(a.handlerForTextMessage),
	}

	bt, err := bot.New(a.config.Telegram.Token, opts...)
	if err != nil {
		return err
	}

	a.bot = bt
	a.logger.Info("初始化Bot成功")

	return nil
}

func (a *Chainsense) setupHTTP() *http.Server {
	return &http.Server{
		Addr:              a.config.Listen,
		Handler:           a.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}
}
