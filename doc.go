// # Live-Call Intelligence Layer
//
// This package is the session orchestration core of a two-party voice-call product. While a call is active it streams each participant's audio to a speech-to-text backend, accumulates recognized utterances into a shared conversation ledger, and periodically forwards that ledger to a topic-suggestion backend whose hints are pushed back to both parties in real time. The RTC engine, the UI and account handling live outside this module; they talk to it through the Engine interface, the engine event channel and the observer callbacks.
package livecall
