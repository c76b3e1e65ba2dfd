package forwarder

// State is a step in a stream session's life.
//
//	Idle -> TemplateSplit -> InitialSegmentCommitted -> RemoteStreamAttached -> Completed -> Closed
//	                                                                         \-> AbortedMidStream -> Closed
//	                                                  \-> FallbackNonStreaming -> Closed
//
// Once InitialSegmentCommitted is reached the only legal moves are toward Closed.
type State int

const (
	Idle State = iota
	TemplateSplit
	InitialSegmentCommitted
	RemoteStreamAttached
	Completed
	AbortedMidStream
	FallbackNonStreaming
	Closed
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case TemplateSplit:
		return "template_split"
	case InitialSegmentCommitted:
		return "initial_segment_committed"
	case RemoteStreamAttached:
		return "remote_stream_attached"
	case Completed:
		return "completed"
	case AbortedMidStream:
		return "aborted_mid_stream"
	case FallbackNonStreaming:
		return "fallback_non_streaming"
	case Closed:
		return "closed"
	default:
		return "unknown"
	}
}

var transitions = map[State][]State{
	Idle:                    {TemplateSplit, Closed},
	TemplateSplit:           {InitialSegmentCommitted, Closed},
	InitialSegmentCommitted: {RemoteStreamAttached, FallbackNonStreaming, AbortedMidStream},
	RemoteStreamAttached:    {Completed, AbortedMidStream},
	Completed:               {Closed},
	AbortedMidStream:        {Closed},
	FallbackNonStreaming:    {Closed},
}

func (s State) canMove(to State) bool {
	for _, t := range transitions[s] {
		if t == to {
			return true
		}
	}
	return false
}
