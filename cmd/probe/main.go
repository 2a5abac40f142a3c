// Command probe is a development tool that connects to the ingestion
// service and replays a short synthetic meeting: session metadata, an audio
// format descriptor, a sine tone on the mixed channel, and audio for two
// fake participants.
package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"math"
	"time"

	"github.com/gorilla/websocket"

	"github.com/RedKAa/meetbot/internal/protocol"
)

func main() {
	addr := flag.String("addr", "ws://localhost:8765/ws", "WebSocket address of the ingestion service")
	seconds := flag.Int("seconds", 3, "Seconds of synthetic audio to send")
	sampleRate := flag.Int("rate", 48000, "Sample rate advertised in the format descriptor")
	flag.Parse()

	conn, _, err := websocket.DefaultDialer.Dial(*addr, nil)
	if err != nil {
		log.Fatalf("Failed to connect to %s: %v", *addr, err)
	}
	defer conn.Close()

	log.Printf("Connected to %s", *addr)

	send := func(frameType int32, payload []byte) {
		if err := conn.WriteMessage(websocket.BinaryMessage, protocol.EncodeFrame(frameType, payload)); err != nil {
			log.Fatalf("Failed to send frame: %v", err)
		}
	}

	sendJSON := func(event map[string]any) {
		payload, err := json.Marshal(event)
		if err != nil {
			log.Fatalf("Failed to encode event: %v", err)
		}
		send(protocol.FrameTypeJSON, payload)
	}

	sendJSON(map[string]any{
		"type":       "SessionStarted",
		"meetingUrl": "https://meet.example.com/probe-meeting",
		"botName":    "probe",
		"startedAt":  time.Now().UTC().Format(time.RFC3339),
	})

	sendJSON(map[string]any{
		"type": "UsersUpdate",
		"newUsers": []map[string]any{
			{"deviceId": "probe-device-101", "displayName": "Probe One", "fullName": "Probe User One"},
			{"deviceId": "probe-device-102", "displayName": "Probe Two"},
		},
	})

	sendJSON(map[string]any{
		"type": "AudioFormatUpdate",
		"format": map[string]any{
			"sampleRate":       *sampleRate,
			"numberOfChannels": 1,
			"format":           "f32le",
		},
	})

	// 20ms frames of a 440 Hz tone on the mixed channel, silence per
	// participant.
	frameSamples := *sampleRate / 50
	tone := make([]float32, frameSamples)
	silence := make([]float32, frameSamples)

	frames := *seconds * 50
	for i := 0; i < frames; i++ {
		for j := range tone {
			t := float64(i*frameSamples+j) / float64(*sampleRate)
			tone[j] = float32(0.5 * math.Sin(2*math.Pi*440*t))
		}
		send(protocol.FrameTypeMixedAudio, protocol.EncodeFloat32(tone))

		for _, id := range []string{"probe-device-101", "probe-device-102"} {
			payload, err := protocol.EncodeParticipantAudio(id, protocol.EncodeFloat32(silence))
			if err != nil {
				log.Fatalf("Failed to encode participant audio: %v", err)
			}
			send(protocol.FrameTypeParticipantAudio, payload)
		}

		time.Sleep(20 * time.Millisecond)
	}

	deadline := time.Now().Add(time.Second)
	_ = conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, "probe done"), deadline)

	fmt.Printf("Sent %d mixed frames (%ds of audio), closing\n", frames, *seconds)
}
