package main

import (
	"github.com/guseggert/ssrbridge/marker"
	"go.uber.org/zap"
)

func warnTemplate(tmpl string, log *zap.SugaredLogger) (marker.Warnings, error) {
	w, err := marker.Validate(tmpl)
	if err != nil {
		return nil, err
	}
	for _, msg := range w {
		log.Warn(msg)
	}
	return w, nil
}
