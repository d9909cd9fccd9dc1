// Command go-client sends one synthesis request to the worker over NATS and
// prints the reply envelope.
package main

import (
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/book-expert/events"
	"github.com/book-expert/logger"
	"github.com/google/uuid"
	"github.com/nats-io/nats.go"

	"github.com/book-expert/spark-tts-worker/internal/orchestrator"
	"github.com/book-expert/spark-tts-worker/internal/params"
	"github.com/book-expert/spark-tts-worker/internal/worker"
)

// Flag names.
const (
	flagNATS        = "nats"
	flagSubject     = "subject"
	flagTimeout     = "timeout"
	flagText        = "text"
	flagTextFile    = "text-file"
	flagGender      = "gender"
	flagReference   = "reference"
	flagTranscript  = "transcript"
	flagTaskMode    = "task-mode"
	flagTemperature = "temperature"
	flagTopP        = "top-p"
	flagMaxLength   = "max-length"
	flagPitch       = "pitch"
	flagSpeed       = "speed"
	flagGap         = "gap"
	flagName        = "name"
	flagAlign       = "align"
	flagSubtitles   = "subtitles"
	flagJobID       = "job-id"
)

// Flag descriptions.
const (
	flagNATSDesc        = "NATS server URL"
	flagSubjectDesc     = "Request subject the worker listens on"
	flagTimeoutDesc     = "How long to wait for the reply"
	flagTextDesc        = "Text to convert to speech"
	flagTextFileDesc    = "File holding the text to convert to speech"
	flagGenderDesc      = "Built-in speaker: male or female"
	flagReferenceDesc   = "Cloning reference: s3://bucket/key, a presigned URL or a bare key"
	flagTranscriptDesc  = "Transcript of the cloning reference"
	flagTaskModeDesc    = "zero_shot, cross_lingual or continue"
	flagTemperatureDesc = "Sampling temperature"
	flagTopPDesc        = "Nucleus sampling threshold"
	flagMaxLengthDesc   = "Maximum generated tokens"
	flagPitchDesc       = "Pitch shift in semitones"
	flagSpeedDesc       = "Speed factor"
	flagGapDesc         = "Silence between sentences in seconds"
	flagNameDesc        = "Output name prefix"
	flagAlignDesc       = "Request word timings"
	flagSubtitlesDesc   = "Request an ASS subtitle file (needs -align)"
	flagJobIDDesc       = "Job ID; generated when empty"
)

const (
	defaultNATSURL  = "nats://127.0.0.1:4222"
	defaultSubject  = "tts.synthesize"
	defaultTimeout  = 6 * time.Minute
	logFileName     = "go-client.log"
	errFmtReadText  = "failed to read text file: %w"
	errFmtMarshal   = "failed to marshal request: %w"
	errFmtConnect   = "failed to connect to NATS at %s: %w"
	errFmtRequest   = "request on %s failed: %w"
	errFmtDecode    = "failed to decode reply: %w"
	logSending      = "Sending job %s to %s"
	logReplyFailure = "Job %s failed: %s at %s: %s"
)

var (
	errEitherTextOrFile  = errors.New("either -text or -text-file must be provided")
	errCannotSpecifyBoth = errors.New("cannot specify both -text and -text-file")
	errJobFailed         = errors.New("job failed")
)

// appFlags holds the parsed command-line flag values.
type appFlags struct {
	natsURL  string
	subject  string
	timeout  time.Duration
	text     string
	textFile string
	jobID    string
	values   map[string]*string
	switches map[string]*bool
	visited  map[string]bool
}

func main() {
	err := run(os.Args[1:], os.Stdout)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func run(args []string, out io.Writer) error {
	flags, err := parseFlags(args)
	if err != nil {
		return err
	}

	event, err := buildEvent(flags)
	if err != nil {
		return err
	}

	log, err := logger.New(os.TempDir(), logFileName)
	if err != nil {
		return fmt.Errorf("failed to initialize logger: %w", err)
	}
	defer log.Close()

	conn, err := nats.Connect(flags.natsURL)
	if err != nil {
		return fmt.Errorf(errFmtConnect, flags.natsURL, err)
	}
	defer conn.Close()

	log.Info(logSending, event.Header.WorkflowID, flags.subject)

	reply, err := send(conn, flags.subject, event, flags.timeout)
	if err != nil {
		log.Error("%v", err)

		return err
	}

	pretty, err := json.MarshalIndent(reply.Output, "", "  ")
	if err != nil {
		return fmt.Errorf(errFmtDecode, err)
	}

	fmt.Fprintln(out, string(pretty))

	if !reply.Output.Succeeded() {
		log.Error(logReplyFailure, reply.Output.JobID, reply.Output.ErrorKind, reply.Output.Stage, reply.Output.Message)

		return fmt.Errorf("%w: %s", errJobFailed, reply.Output.ErrorKind)
	}

	return nil
}

// parseFlags parses args on a private flag set so tests can call it repeatedly.
func parseFlags(args []string) (appFlags, error) {
	set := flag.NewFlagSet("go-client", flag.ContinueOnError)

	flags := appFlags{
		values:   map[string]*string{},
		switches: map[string]*bool{},
		visited:  map[string]bool{},
	}

	set.StringVar(&flags.natsURL, flagNATS, defaultNATSURL, flagNATSDesc)
	set.StringVar(&flags.subject, flagSubject, defaultSubject, flagSubjectDesc)
	set.DurationVar(&flags.timeout, flagTimeout, defaultTimeout, flagTimeoutDesc)
	set.StringVar(&flags.text, flagText, "", flagTextDesc)
	set.StringVar(&flags.textFile, flagTextFile, "", flagTextFileDesc)
	set.StringVar(&flags.jobID, flagJobID, "", flagJobIDDesc)

	for name, desc := range map[string]string{
		flagGender:      flagGenderDesc,
		flagReference:   flagReferenceDesc,
		flagTranscript:  flagTranscriptDesc,
		flagTaskMode:    flagTaskModeDesc,
		flagTemperature: flagTemperatureDesc,
		flagTopP:        flagTopPDesc,
		flagMaxLength:   flagMaxLengthDesc,
		flagPitch:       flagPitchDesc,
		flagSpeed:       flagSpeedDesc,
		flagGap:         flagGapDesc,
		flagName:        flagNameDesc,
	} {
		flags.values[name] = set.String(name, "", desc)
	}

	flags.switches[flagAlign] = set.Bool(flagAlign, false, flagAlignDesc)
	flags.switches[flagSubtitles] = set.Bool(flagSubtitles, false, flagSubtitlesDesc)

	err := set.Parse(args)
	if err != nil {
		return appFlags{}, err
	}

	set.Visit(func(f *flag.Flag) { flags.visited[f.Name] = true })

	return flags, nil
}

// buildEvent turns the flags into a request event. Only flags given on the
// command line become fields, so the worker applies its own defaults.
func buildEvent(flags appFlags) (worker.SynthesisRequestEvent, error) {
	text, err := requestText(flags)
	if err != nil {
		return worker.SynthesisRequestEvent{}, err
	}

	raw := params.RawRequest{Text: &text}

	stringFields := map[string]**string{
		flagGender:     &raw.SpeakerGender,
		flagReference:  &raw.ReferenceAudioLocation,
		flagTranscript: &raw.ReferenceTranscript,
		flagTaskMode:   &raw.TaskMode,
		flagName:       &raw.OutputNamePrefix,
	}

	for name, dst := range stringFields {
		if flags.visited[name] {
			*dst = flags.values[name]
		}
	}

	numberFields := map[string]**params.Number{
		flagTemperature: &raw.Temperature,
		flagTopP:        &raw.TopP,
		flagMaxLength:   &raw.MaxLength,
		flagPitch:       &raw.PitchShiftSemitones,
		flagSpeed:       &raw.SpeedFactor,
		flagGap:         &raw.SentenceGapSeconds,
	}

	for name, dst := range numberFields {
		if flags.visited[name] {
			number := params.Number(strings.TrimSpace(*flags.values[name]))
			*dst = &number
		}
	}

	if flags.visited[flagAlign] {
		raw.EnableAlignment = flags.switches[flagAlign]
	}

	if flags.visited[flagSubtitles] {
		raw.EnableSubtitles = flags.switches[flagSubtitles]
	}

	jobID := flags.jobID
	if jobID == "" {
		jobID = uuid.NewString()
	}

	return worker.SynthesisRequestEvent{
		Header: events.EventHeader{
			Timestamp:  time.Now().UTC(),
			WorkflowID: jobID,
			EventID:    uuid.NewString(),
		},
		Input: raw,
	}, nil
}

func requestText(flags appFlags) (string, error) {
	switch {
	case flags.text != "" && flags.textFile != "":
		return "", errCannotSpecifyBoth
	case flags.text != "":
		return flags.text, nil
	case flags.textFile != "":
		data, err := os.ReadFile(flags.textFile)
		if err != nil {
			return "", fmt.Errorf(errFmtReadText, err)
		}

		return string(data), nil
	default:
		return "", errEitherTextOrFile
	}
}

func send(conn *nats.Conn, subject string, event worker.SynthesisRequestEvent, timeout time.Duration) (worker.SynthesisResultEvent, error) {
	payload, err := json.Marshal(event)
	if err != nil {
		return worker.SynthesisResultEvent{}, fmt.Errorf(errFmtMarshal, err)
	}

	msg, err := conn.Request(subject, payload, timeout)
	if err != nil {
		return worker.SynthesisResultEvent{}, fmt.Errorf(errFmtRequest, subject, err)
	}

	var reply worker.SynthesisResultEvent

	err = json.Unmarshal(msg.Data, &reply)
	if err != nil {
		return worker.SynthesisResultEvent{}, fmt.Errorf(errFmtDecode, err)
	}

	if reply.Output.Status == "" {
		reply.Output.Status = orchestrator.StatusFailed
	}

	return reply, nil
}
