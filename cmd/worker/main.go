package main

import "github.com/eleven-am/transcription-worker/internal/bootstrap"

func main() {
	bootstrap.Run()
}
