package consts

import "time"

// Tunable Options
const (
	// For Underlying Networking
	// BUFFERED_READ_BUFFSIZE is the read buffer size of client and server sockets
	BUFFERED_READ_BUFFSIZE = 16384
	// BUFFERED_WRITE_BUFFSIZE is the write buffer size of client and server sockets
	BUFFERED_WRITE_BUFFSIZE = 16384
	// MAX_FRAME_SIZE is the default maximum length of a frame payload
	MAX_FRAME_SIZE = 1024 * 1024
	// CONNECTION_SET_TCP_NO_DELAY = true sets accepted connections to TcpNoDelay
	CONNECTION_SET_TCP_NO_DELAY = true
	// DIAL_TIMEOUT is the timeout for outgoing connections
	DIAL_TIMEOUT = time.Second * 10
	// DEFAULT_MAX_CONNECTIONS bounds the number of concurrent TCP connections (0 = unbounded)
	DEFAULT_MAX_CONNECTIONS = 0

	// For Timers
	// TIMER_TICK_INTERVAL is how often the timer heap is checked for expired timers
	TIMER_TICK_INTERVAL = time.Millisecond * 5

	// For Connections
	// PING_INTERVAL is how often an otherwise idle client pings the server
	PING_INTERVAL = time.Second * 60
	// IDLE_TIMEOUT_FACTOR is the multiple of the ping interval after which a silent connection is closed
	IDLE_TIMEOUT_FACTOR = 1.5
	// IDLE_CHECK_INTERVAL is how often the server looks for idle connections
	IDLE_CHECK_INTERVAL = time.Second * 5
	// CLIENT_TICK_INTERVAL is how often a client checks whether it should ping
	CLIENT_TICK_INTERVAL = time.Second * 5
	// CLOCK_SYNC_INTERVAL is how often a client re-estimates the server clock delta
	CLOCK_SYNC_INTERVAL = time.Minute * 10
	// CLOCK_SYNC_SAMPLES is the number of ping/pong exchanges per clock estimate
	CLOCK_SYNC_SAMPLES = 5
	// OUTGOING_QUEUE_WARN_LEN logs a warning when a connection's outgoing queue grows beyond this
	OUTGOING_QUEUE_WARN_LEN = 10000

	// For Object Manager
	// DOBJ_EVENT_WARN_THRESHOLD logs events that take longer to process
	DOBJ_EVENT_WARN_THRESHOLD = time.Millisecond * 100
	// DOBJ_RUNNABLE_WARN_THRESHOLD logs runnables that take longer to run
	DOBJ_RUNNABLE_WARN_THRESHOLD = time.Millisecond * 100

	// For Async Jobs
	// ASYNC_JOB_QUEUE_MAXLEN is the maximum pending jobs of one async group
	ASYNC_JOB_QUEUE_MAXLEN = 10000
	// ASYNC_JOB_WARN_THRESHOLD logs async jobs that take longer to run
	ASYNC_JOB_WARN_THRESHOLD = time.Millisecond * 500

	// For Peers
	// LOCK_TIMEOUT is how long a lock acquisition or release waits for ratification
	LOCK_TIMEOUT = time.Second * 5
	// PEER_REFRESH_INTERVAL is how often the node repository is reloaded
	PEER_REFRESH_INTERVAL = time.Second * 60
	// PEER_STARTUP_REFRESH_DELAY is the delay of the first node repository refresh
	PEER_STARTUP_REFRESH_DELAY = time.Second * 5
	// NODEDB_WARN_THRESHOLD logs node repository operations that take longer
	NODEDB_WARN_THRESHOLD = time.Second

	// For Server Report
	// DEFAULT_REPORT_INTERVAL is the default interval of state-of-server reports (0 = disabled)
	DEFAULT_REPORT_INTERVAL = time.Minute * 10

	// For Operation Monitor
	// OPMON_DUMP_INTERVAL is the interval to print opmon infos to output
	OPMON_DUMP_INTERVAL = 0
)

// Debug Options
const (
	// DEBUG_MESSAGES prints message send/recv debug logs
	DEBUG_MESSAGES = false
	// DEBUG_EVENTS prints dobj event debug logs
	DEBUG_EVENTS = false
	// DEBUG_LOCKS prints peer lock debug logs
	DEBUG_LOCKS = false
	// DEBUG_CLIENTS prints client session debug logs
	DEBUG_CLIENTS = false
)

//  System level configurations
const (
	// DEBUG_MODE = true turns on debug mode
	DEBUG_MODE = false
)
