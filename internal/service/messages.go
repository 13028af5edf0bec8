package service

import (
	"errors"

	"radar-chart-bot/internal/chart"
	"radar-chart-bot/internal/fetcher"
)

var kindMessages = map[fetcher.Kind]string{
	fetcher.KindConfig:       "The source settings are invalid. Check the date range and limit.",
	fetcher.KindBadRequest:   "The data source rejected the request parameters.",
	fetcher.KindUnauthorized: "The API token is missing or was rejected, and this ranking is not available without one.",
	fetcher.KindRateLimit:    "The data source is rate limiting us. Try again in a few minutes.",
	fetcher.KindUpstream:     "The data source is having problems right now. Try again later.",
	fetcher.KindNetwork:      "Could not reach the data source.",
	fetcher.KindTimeout:      "The data source did not answer in time.",
	fetcher.KindData:         "The data source answered without usable ranking data.",
}

// UserMessage maps err onto the text shown to a chat user.
func UserMessage(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrManualBusy):
		return "A chart is already being prepared for you. Please wait for it."
	case errors.Is(err, ErrManualCooldown):
		return "You requested a chart very recently. Please wait a moment before asking again."
	case errors.Is(err, chart.ErrInvalidInput):
		return "The fetched data could not be drawn as a chart."
	case errors.Is(err, chart.ErrRenderFailed):
		return "Rendering the chart failed. Please try again shortly."
	case errors.Is(err, ErrDelivery):
		return "The chart could not be posted to the chat. Check that the bot can still post there."
	}
	if msg, ok := kindMessages[fetcher.KindOf(err)]; ok {
		return msg
	}
	return "Something went wrong while preparing the chart."
}
