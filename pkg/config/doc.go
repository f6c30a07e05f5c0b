/*
Package config loads the daemon configuration through viper: built-in
defaults, then the configuration file, then SHELF_* environment
variables, each overriding the previous. Validation happens at load
time; a daemon
never starts on a broken configuration (exit code 1).
*/
package config
